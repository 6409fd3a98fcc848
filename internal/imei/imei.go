// Package imei validates 15-digit device identifiers.
package imei

// Length is the number of digits in an IMEI.
const Length = 15

// Validate reports whether id is exactly 15 digits with a valid check digit.
func Validate(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < Length; i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return luhnSum(id)%10 == 0
}

// luhnSum doubles every odd (0-indexed) position, folding values above 9.
func luhnSum(digits string) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		d := int(digits[i] - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum
}

// CheckDigit returns the 15th digit that makes first14 a valid IMEI.
func CheckDigit(first14 string) (byte, bool) {
	if len(first14) != Length-1 {
		return 0, false
	}
	for i := 0; i < len(first14); i++ {
		if first14[i] < '0' || first14[i] > '9' {
			return 0, false
		}
	}
	// Position 14 is even, so the check digit is added undoubled.
	rem := luhnSum(first14) % 10
	return byte('0' + (10-rem)%10), true
}

// TAC returns the Type Allocation Code (first 8 digits) of a validated IMEI.
func TAC(id string) string {
	if len(id) < 8 {
		return ""
	}
	return id[:8]
}
