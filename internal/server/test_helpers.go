package server

// MakeTestSignature generates an HMAC-SHA256 signature for testing
// This is a test helper shared across multiple test files
func MakeTestSignature(payload []byte, secret string) string {
	return SignPayload(payload, secret)
}
