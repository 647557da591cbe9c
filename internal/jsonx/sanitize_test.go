package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForPg_Strings(t *testing.T) {
	assert.Equal(t, "plain", SanitizeForPg("plain"))
	assert.Equal(t, "a�b", SanitizeForPg("a\x00b"))
	assert.Equal(t, "��", SanitizeForPg("\x00\x00"))
}

func TestSanitizeForPg_NestedStructures(t *testing.T) {
	in := map[string]interface{}{
		"clean": "value",
		"dump":  "MZ\x00\x00header",
		"nested": map[string]interface{}{
			"key\x00with_nul": []interface{}{"ok", "bad\x00", 42.0, nil},
		},
	}

	out, ok := SanitizeForPg(in).(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "value", out["clean"])
	assert.Equal(t, "MZ��header", out["dump"])

	nested, ok := out["nested"].(map[string]interface{})
	assert.True(t, ok)
	arr, ok := nested["key�with_nul"].([]interface{})
	assert.True(t, ok)
	assert.Equal(t, "ok", arr[0])
	assert.Equal(t, "bad�", arr[1])
	assert.Equal(t, 42.0, arr[2])
	assert.Nil(t, arr[3])
}

func TestSanitizeForPg_NonStringScalars(t *testing.T) {
	assert.Equal(t, 7.0, SanitizeForPg(7.0))
	assert.Equal(t, true, SanitizeForPg(true))
	assert.Nil(t, SanitizeForPg(nil))
}
