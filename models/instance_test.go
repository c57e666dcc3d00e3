package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyState(t *testing.T) {
	cases := []struct {
		state string
		want  string
	}{
		{"open", InstanceStatusConnected},
		{"CONNECTED", InstanceStatusConnected},
		{"is-online", InstanceStatusConnected},
		{"ready", InstanceStatusConnected},
		{"connecting", InstanceStatusPending},
		{"PAIRING", InstanceStatusPending},
		{"initializing", InstanceStatusPending},
		{"qr_pending", InstanceStatusPending},
		{"close", InstanceStatusDisconnected},
		{"refused", InstanceStatusDisconnected},
		{"", InstanceStatusDisconnected},
		{"banana", InstanceStatusDisconnected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyState(tc.state), "state %q", tc.state)
	}
}

func TestMetadataMapToleratesBrokenBlob(t *testing.T) {
	inst := &EvolutionInstance{Metadata: "{not json"}
	assert.Empty(t, inst.MetadataMap())

	inst.Metadata = ""
	assert.Empty(t, inst.MetadataMap())

	inst.Metadata = `{"qrBase64":"abc","qrCount":2}`
	m := inst.MetadataMap()
	assert.Equal(t, "abc", m["qrBase64"])
	assert.EqualValues(t, 2, m["qrCount"])
}

func TestMergeMetadataPatchesAndDeletes(t *testing.T) {
	inst := &EvolutionInstance{Metadata: `{"qrBase64":"old","profileName":"Clinica"}`}

	inst.MergeMetadata(map[string]interface{}{
		"qrBase64":  "new",
		"lastState": "open",
	})
	m := inst.MetadataMap()
	assert.Equal(t, "new", m["qrBase64"])
	assert.Equal(t, "open", m["lastState"])
	assert.Equal(t, "Clinica", m["profileName"])

	// nil value removes the key
	inst.MergeMetadata(map[string]interface{}{"qrBase64": nil})
	m = inst.MetadataMap()
	assert.NotContains(t, m, "qrBase64")
	assert.Equal(t, "Clinica", m["profileName"])
}

func TestMetadataString(t *testing.T) {
	inst := &EvolutionInstance{Metadata: `{"profileName":"Clinica","qrCount":3}`}
	assert.Equal(t, "Clinica", inst.MetadataString("profileName"))
	assert.Equal(t, "", inst.MetadataString("qrCount"))
	assert.Equal(t, "", inst.MetadataString("missing"))
}
