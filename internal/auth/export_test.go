package auth

// SignForTest exposes the signature of an arbitrary signing input.
func SignForTest(s *TokenService, signingInput string) string { return s.sign(signingInput) }
