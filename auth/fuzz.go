// Fuzz testing for package auth.

//go:build gofuzz
// +build gofuzz

package auth

func Fuzz(data []byte) int {
	interesting := 0
	_, _, _, err := DecodeResponse(data)
	if err == nil {
		interesting = 1
	}

	return interesting
}
