package blockchain

// Well-known mints. WSOL is the base side of every copied trade; the
// rest are routing legs that must never be mistaken for the traded
// token when parsing balance deltas.
const (
	WSOLMint    = "So11111111111111111111111111111111111111112"
	USDCMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint    = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	MSOLMint    = "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So"
	JitoSOLMint = "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn"
	BSOLMint    = "bSo13r4TkiE4KumL71LsHTPpL2euBYLFx6h9HP3piy1"
)

var intermediateMints = map[string]bool{
	WSOLMint:    true,
	USDCMint:    true,
	USDTMint:    true,
	MSOLMint:    true,
	JitoSOLMint: true,
	BSOLMint:    true,
}

// IsIntermediateMint reports whether a mint is a routing leg rather
// than a token worth copying.
func IsIntermediateMint(mint string) bool {
	return intermediateMints[mint]
}

// O(1) Base58 lookup table
var base58Set = func() [256]bool {
	var set [256]bool
	const base58Chars = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	for i := 0; i < len(base58Chars); i++ {
		set[base58Chars[i]] = true
	}
	return set
}()

// IsValidAddress checks the shape of a Solana address: 32-44 chars of
// the Base58 alphabet. It does not prove the account exists.
func IsValidAddress(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !base58Set[s[i]] {
			return false
		}
	}
	return true
}

// ShortAddr trims an address for log lines
func ShortAddr(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}
