package ghostcard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	cardPrefix    = "4"
	cardLength    = 16
	cvvLength     = 3
	cardIDPrefix  = "ghost_"
	cardIDEntropy = 6
)

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	ten := big.NewInt(10)
	for i := range digits {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate digits: %w", err)
		}
		digits[i] = byte('0' + d.Int64())
	}
	return string(digits), nil
}

// luhnCheckDigit computes the digit that makes payload+digit Luhn-valid.
func luhnCheckDigit(payload string) byte {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte('0' + (10-sum%10)%10)
}

// ValidLuhn reports whether number passes the Luhn checksum.
func ValidLuhn(number string) bool {
	if len(number) < 2 {
		return false
	}
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return false
		}
	}
	return luhnCheckDigit(number[:len(number)-1]) == number[len(number)-1]
}

func newCardNumber() (string, error) {
	body, err := randomDigits(cardLength - len(cardPrefix) - 1)
	if err != nil {
		return "", err
	}
	payload := cardPrefix + body
	return payload + string(luhnCheckDigit(payload)), nil
}

func newCVV() (string, error) {
	return randomDigits(cvvLength)
}

func newCardID() (string, error) {
	b := make([]byte, cardIDEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate card id: %w", err)
	}
	return cardIDPrefix + hex.EncodeToString(b), nil
}
