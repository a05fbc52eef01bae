package auth

import (
	"fmt"
	"time"

	"github.com/Daskott/safeguard/server/auth/key"
	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const TokenTTL = 24 * time.Hour

// PasswordCost is the bcrypt cost used for new password hashes.
var PasswordCost = 14

type SafeguardTokenClaims struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	jwt.StandardClaims
}

func NewClaims(userID, fullName, email string) SafeguardTokenClaims {
	now := time.Now()
	return SafeguardTokenClaims{
		FullName: fullName,
		Email:    email,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    "safeguard",
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(TokenTTL).Unix(),
		},
	}
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func EncodeJWT(claims SafeguardTokenClaims, keyPair *key.KeyPair) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod("RS256"), claims)
	token.Header["kid"] = keyPair.Kid

	tokenString, err := token.SignedString(keyPair.PrivateKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func DecodeJWT(tokenString string, keyPair *key.KeyPair) (*SafeguardTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SafeguardTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return keyPair.PublicKey, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid jwt: %v", err)
	}

	tokenClaims, ok := token.Claims.(*SafeguardTokenClaims)
	if !ok {
		return nil, fmt.Errorf("unable to assert token.Claims to SafeguardTokenClaims")
	}

	return tokenClaims, nil
}
