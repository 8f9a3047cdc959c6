package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/testutil"
)

func mustLoad(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(testutil.SchemaJSON)
	require.NoError(t, err)
	return r
}

func TestLoad_FixtureSchema(t *testing.T) {
	r := mustLoad(t)

	assert.Equal(t, testutil.SchemaVersion, r.Version())
	assert.Equal(t, []string{"Evacuation", "Trash", "Location", "Vessel", "Person", "Baggage"}, r.Categories())
}

func TestLoad_PreservesFieldOrder(t *testing.T) {
	r := mustLoad(t)

	assert.Equal(t,
		[]string{"Display Name", "Rank or Title", "Weight (KG)", "Date Of Birth", "Physical IDs", "Locked"},
		r.FieldNames("Person"))
}

func TestLoad_NumericDefaultBecomesText(t *testing.T) {
	r := mustLoad(t)

	assert.Equal(t, "20", r.Default("Baggage", "Weight (KG)"))
	assert.Equal(t, "80", r.Default("Person", "Weight (KG)"))
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := Load([]byte(`{"version": `))

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrCodeSyntax, loadErr.Code)
}

func TestLoad_StructuralError(t *testing.T) {
	_, err := Load([]byte(`{"version": "1", "categories": {"Person": {"name": "N", "fields": {"N": {"type": "blob"}}}}}`))

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrCodeStructure, loadErr.Code)
}

func TestLoad_ReportsAllSemanticErrors(t *testing.T) {
	raw := `{
	  "version": "1",
	  "categories": {
	    "Evacuation": {"fields": {"Display Name": {"type": "text"}}},
	    "Person": {
	      "name": "Missing",
	      "lock": "Nope",
	      "fields": {
	        "Tags": {"type": "text", "source": "PHYSIDS", "default": "x"},
	        "Total": {"type": "sum", "cat": ["Ghost"]}
	      }
	    }
	  }
	}`
	_, err := Load([]byte(raw))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)

	codes := map[string]bool{}
	for _, e := range verrs {
		codes[e.Code] = true
	}
	for _, code := range []string{
		ErrMissingNameField, ErrUnknownNameField, ErrPhysIDsNotList, ErrPhysIDsDefault,
		ErrSumTarget, ErrUnknownCategoryRef, ErrUnknownFieldRef, ErrMissingRoot,
	} {
		assert.True(t, codes[code], "missing %s in %v", code, verrs)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
}

func TestLoadFile_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db_schema.json")
	require.NoError(t, os.WriteFile(path, testutil.SchemaJSON, 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Display Name", r.NameField("Vessel"))
}

func TestRegistry_WritableFieldsExcludeDerived(t *testing.T) {
	r := mustLoad(t)

	assert.Equal(t, []string{"Display Name", "Rank or Title", "Weight (KG)", "Date Of Birth", "Locked"}, r.WritableFields("Person"))
	assert.Equal(t, []string{"Display Name"}, r.WritableFields("Vessel"))
	assert.Equal(t, []string{"Owner"}, r.IDSListFields("Baggage"))
}

func TestRegistry_CategoryMetadata(t *testing.T) {
	r := mustLoad(t)

	assert.Equal(t, []string{"Boarded", "Medical"}, r.Flags("Person"))
	assert.Equal(t, "Locked", r.LockField("Person"))
	assert.Equal(t, []string{"Display Name"}, r.Keys("Person"))

	_, err := r.Fields("Ghost")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	sums := r.Sums()
	require.Len(t, sums["Vessel"], 2)
	assert.Equal(t, TypeCount, sums["Vessel"][0].Type)
}

func TestRegistry_BlankAndStrip(t *testing.T) {
	r := mustLoad(t)

	blank, err := r.Blank("Person")
	require.NoError(t, err)
	assert.Equal(t, "80", blank["Weight (KG)"])
	assert.Equal(t, "Person", blank.Category())
	assert.NotContains(t, blank, "Physical IDs")

	stripped := r.StripDerived(document.Doc{"category": "Vessel", "Display Name": "V", "Passengers": 3})
	assert.Equal(t, document.Doc{"category": "Vessel", "Display Name": "V"}, stripped)
}

func TestRegistry_Derive(t *testing.T) {
	r := mustLoad(t)
	vessel := document.Doc{"category": "Vessel"}
	children := []document.Doc{
		{"category": "Person", "Weight (KG)": "70"},
		{"category": "Person", "Weight (KG)": ""},
		{"category": "Baggage", "Weight (KG)": json.Number("12.5")},
		{"category": "Location"},
	}

	got := r.Derive(vessel, children)

	assert.Equal(t, json.Number("2"), got["Passengers"])
	// 70 + default 80 + 12.5
	assert.Equal(t, json.Number("162.5"), got["Load (KG)"])
}

func TestRegistry_NumberWithDefault(t *testing.T) {
	r := mustLoad(t)

	v, usedDefault := r.NumberWithDefault(document.Doc{"category": "Baggage"}, "Weight (KG)")
	assert.Equal(t, 20.0, v)
	assert.True(t, usedDefault)

	v, usedDefault = r.NumberWithDefault(document.Doc{"category": "Baggage", "Weight (KG)": "abc"}, "Weight (KG)")
	assert.Equal(t, 0.0, v)
	assert.False(t, usedDefault)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("1", "1", "store", false, nil))
	assert.NoError(t, CheckVersion("1", "", "store", false, nil))

	err := CheckVersion("20211131", "20211020", "store", false, nil)
	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "20211020", verr.Found)

	assert.NoError(t, CheckVersion("20211131", "20211020", "store", true, nil))
}

func TestNewer(t *testing.T) {
	assert.Equal(t, "20211131", Newer("20211020", "20211131"))
	assert.Equal(t, "20211131", Newer("20211131", "9"))
	assert.Equal(t, "RC2", Newer("RC1", "RC2"))
}

func TestRegistry_DocRoundTrip(t *testing.T) {
	r := mustLoad(t)

	doc := r.ToDoc()
	assert.Equal(t, DocID, doc.ID())

	back, err := FromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, r.Definition(), back.Definition())

	_, err = FromDoc(document.Doc{"_id": DocID})
	assert.Error(t, err)
}
