package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHMACSignatureService_SignAndVerify(t *testing.T) {
	svc := NewHMACSignatureService()
	secret := "rail-secret"
	payload := svc.BuildCanonicalString("POST", "/api/v1/rail/notifications", 1790000000, "n-1", `{"escrow_id":"x"}`)

	signature := svc.Sign(secret, payload)

	assert.Regexp(t, `^[0-9a-f]{64}$`, signature)
	assert.True(t, svc.Verify(secret, payload, signature))
	assert.True(t, svc.Verify(secret, payload, strings.ToUpper(signature)), "hex case is ignored")
}

func TestHMACSignatureService_VerifyFails(t *testing.T) {
	svc := NewHMACSignatureService()
	signature := svc.Sign("correct-key", "original payload")

	assert.False(t, svc.Verify("wrong-key", "original payload", signature))
	assert.False(t, svc.Verify("correct-key", "tampered payload", signature))
	assert.False(t, svc.Verify("correct-key", "original payload", "invalidsignature"))
}

func TestHMACSignatureService_DeterministicSign(t *testing.T) {
	svc := NewHMACSignatureService()
	assert.Equal(t, svc.Sign("key", "data"), svc.Sign("key", "data"))
}

func TestHMACSignatureService_BuildCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	result := svc.BuildCanonicalString("post", "/api/v1/rail/notifications", 1790000000, "abc123", "")

	// sha256 of the empty body
	expected := "POST\n/api/v1/rail/notifications\n1790000000\nabc123\n" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	assert.Equal(t, expected, result)
}

func TestHMACSignatureService_BodyChangesCanonicalString(t *testing.T) {
	svc := NewHMACSignatureService()

	a := svc.BuildCanonicalString("POST", "/p", 1, "n", `{"amount_minor":100}`)
	b := svc.BuildCanonicalString("POST", "/p", 1, "n", `{"amount_minor":101}`)
	assert.NotEqual(t, a, b)
}
