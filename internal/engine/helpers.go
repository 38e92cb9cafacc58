package engine

import (
	"os"

	"requiem/internal/canon"
)

func canonicalizeStruct(v any) ([]byte, error) {
	return canon.CanonicalizeStruct(v)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
