package utils

import (
	"strings"
)

// NormalizeJID converts a WhatsApp JID ("<local>@s.whatsapp.net" or a
// "lid"-addressed alternate) into the canonical digits-only contact key.
// When the message key is "lid"-addressed the remoteJidAlt field carries the
// real phone-backed identifier, so it wins over the primary JID. Returns ""
// when no digits survive; never panics — this runs on every webhook event.
func NormalizeJID(remoteJID, remoteJIDAlt, addressingMode string) string {
	jid := remoteJID
	if strings.EqualFold(addressingMode, "lid") || strings.Contains(remoteJID, "@lid") {
		if remoteJIDAlt != "" {
			jid = remoteJIDAlt
		}
	}

	local := jid
	if at := strings.Index(jid, "@"); at >= 0 {
		local = jid[:at]
	}

	return digitsOnly(local)
}

// NormalizePhone strips non-digits and trims leading zeros. Used by the
// outbound dispatcher, where callers submit free-form phone numbers.
func NormalizePhone(raw string) string {
	return strings.TrimLeft(digitsOnly(raw), "0")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
