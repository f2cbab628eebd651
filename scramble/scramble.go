package scramble

const (
	largePrime uint64 = 6364136223846793005

	// doubles as the protocol version tag: bumping it invalidates
	// handshakes from peers built against an older revision
	versionOffset uint64 = 512
)

// MixBits folds 64 bits down to 32 with an xor-shift-rotate.
func MixBits(x uint64) uint32 {
	x ^= 0xA0B1C2D3
	xorShifted := uint32(((x >> 18) ^ x) >> 27)
	rot := uint32(x >> 59)
	res := (xorShifted >> rot) | (xorShifted << ((-rot) & 31))
	return res ^ 0x12345678
}

// Scramble is the deterministic mixing function behind the handshake
// challenge-response. Identical on every host; not cryptographic, and not
// meant to be: the challenge is single-use and random per connection.
func Scramble(input uint64) uint64 {
	return uint64(MixBits(uint64(MixBits(input))*largePrime+versionOffset))*largePrime + versionOffset
}
