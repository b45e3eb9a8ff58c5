package models

import _ "embed"

// DecisionSchema is the JSON schema every Decision must satisfy before it is
// returned to a caller.
//
//go:embed decision_schema.json
var DecisionSchema string
