package domain

// Chain is a read-only reference entity describing the network a token
// lives on. The pipeline never mutates chains.
type Chain struct {
	ID   int64
	Name string
}

// Logo is a read-only display asset attached to a token.
type Logo struct {
	URL string
}
