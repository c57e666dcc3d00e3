package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSecretKey(t *testing.T) {
	for _, key := range []string{
		"apikey", "APIKEY", "api_key", "Authorization", "token",
		"access_token", "refresh_token", "webhookSecret", "client_secret",
	} {
		assert.True(t, IsSecretKey(key), key)
	}
	for _, key := range []string{"phone", "instance", "tokens_used", "name"} {
		assert.False(t, IsSecretKey(key), key)
	}
}

func TestRedactSecretsRecursive(t *testing.T) {
	input := map[string]interface{}{
		"event":  "messages.upsert",
		"apikey": "abc123",
		"data": map[string]interface{}{
			"authorization": "Bearer xyz",
			"pushName":      "Maria",
			"nested": []interface{}{
				map[string]interface{}{"refresh_token": "rrr", "phone": "5511"},
				"plain string",
			},
		},
	}

	out := RedactSecrets(input).(map[string]interface{})

	assert.Equal(t, RedactionMarker, out["apikey"])
	assert.Equal(t, "messages.upsert", out["event"])

	data := out["data"].(map[string]interface{})
	assert.Equal(t, RedactionMarker, data["authorization"])
	assert.Equal(t, "Maria", data["pushName"])

	nested := data["nested"].([]interface{})
	first := nested[0].(map[string]interface{})
	assert.Equal(t, RedactionMarker, first["refresh_token"])
	assert.Equal(t, "5511", first["phone"])
	assert.Equal(t, "plain string", nested[1])

	// input untouched
	assert.Equal(t, "abc123", input["apikey"])
}

func TestRedactSecretsScalars(t *testing.T) {
	assert.Equal(t, "hello", RedactSecrets("hello"))
	assert.Equal(t, float64(42), RedactSecrets(float64(42)))
	assert.Nil(t, RedactSecrets(nil))
}
