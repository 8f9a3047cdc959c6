// Package testutil holds deterministic helpers shared by package tests.
package testutil

import _ "embed"

// SchemaJSON is a small but complete schema definition: both root
// categories, a vessel with derived fields, people with a PHYSIDS field and
// baggage with an IDS owner list.
//
//go:embed testdata/schema.json
var SchemaJSON []byte

// SchemaVersion is the version declared by SchemaJSON.
const SchemaVersion = "20211131"
