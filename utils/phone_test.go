package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeJIDStandard(t *testing.T) {
	assert.Equal(t, "5511999999999", NormalizeJID("5511999999999@s.whatsapp.net", "", ""))
}

func TestNormalizeJIDLidModePrefersAlt(t *testing.T) {
	got := NormalizeJID("98765432101234@lid", "5511988887777@s.whatsapp.net", "lid")
	assert.Equal(t, "5511988887777", got)

	// addressing mode alone is enough, even without @lid in the JID
	got = NormalizeJID("98765432101234@s.whatsapp.net", "5511988887777@s.whatsapp.net", "LID")
	assert.Equal(t, "5511988887777", got)
}

func TestNormalizeJIDLidWithoutAltFallsBack(t *testing.T) {
	assert.Equal(t, "98765432101234", NormalizeJID("98765432101234@lid", "", "lid"))
}

func TestNormalizeJIDStripsNonDigits(t *testing.T) {
	assert.Equal(t, "5511999999999", NormalizeJID("+55 (11) 99999-9999@s.whatsapp.net", "", ""))
}

func TestNormalizeJIDEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeJID("", "", ""))
	assert.Equal(t, "", NormalizeJID("status@broadcast", "", ""))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "5511999999999", NormalizePhone("+55 (11) 99999-9999"))
	assert.Equal(t, "5511999999999", NormalizePhone("005511999999999"))
	assert.Equal(t, "", NormalizePhone("abc"))
}
