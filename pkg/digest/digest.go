// Package digest вычисляет учетные данные HTTP Digest (RFC 2617) для SIP
// запросов без параметров qop/cnonce.
//
// Разбор challenge, расчет ответа и сериализация Authorization выполняются
// через github.com/icholy/digest:
//
//	HA1      = hex(H(username ":" realm ":" password))
//	HA2      = hex(H(METHOD ":" uri))
//	response = hex(H(HA1 ":" nonce ":" HA2))
package digest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/icholy/digest"
)

// ErrUnsupportedAlgorithm возвращается, если алгоритм из challenge недоступен.
var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

// Алгоритмы, поддерживаемые Compute. Пустая строка трактуется как MD5.
const (
	AlgorithmMD5        = "MD5"
	AlgorithmSHA256     = "SHA-256"
	AlgorithmSHA512_256 = "SHA-512-256"
)

func normalizeAlgorithm(algorithm string) (string, error) {
	name := strings.ToUpper(strings.TrimSpace(algorithm))
	switch name {
	case "":
		return AlgorithmMD5, nil
	case AlgorithmMD5, AlgorithmSHA256, AlgorithmSHA512_256:
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
}

// Compute возвращает hex-представление digest ответа.
// Метод приводится к верхнему регистру.
func Compute(username, password, realm, method, uri, nonce, algorithm string) (string, error) {
	name, err := normalizeAlgorithm(algorithm)
	if err != nil {
		return "", err
	}

	cred, err := digest.Digest(&digest.Challenge{
		Realm:     realm,
		Nonce:     nonce,
		Algorithm: name,
	}, digest.Options{
		Method:   strings.ToUpper(method),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("расчет digest: %w", err)
	}
	return cred.Response, nil
}

// Credentials описывает учетную запись для ответа на challenge.
type Credentials struct {
	Username string
	Password string
	// Realm переопределяет realm из challenge, если задан
	Realm string
}

// Challenge - разобранный заголовок WWW-Authenticate/Proxy-Authenticate.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
}

// ParseChallenge разбирает значение заголовка WWW-Authenticate.
func ParseChallenge(value string) (Challenge, error) {
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return Challenge{}, fmt.Errorf("разбор challenge: %w", err)
	}
	return Challenge{
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		Opaque:    chal.Opaque,
		Algorithm: chal.Algorithm,
	}, nil
}

// Authorize строит значение заголовка Authorization / Proxy-Authorization
// для запроса method на uri в ответ на challenge.
func Authorize(chal Challenge, cred Credentials, method, uri string) (string, error) {
	realm := chal.Realm
	if cred.Realm != "" {
		realm = cred.Realm
	}

	response, err := Compute(cred.Username, cred.Password, realm, method, uri, chal.Nonce, chal.Algorithm)
	if err != nil {
		return "", err
	}

	algorithm := chal.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmMD5
	}

	c := digest.Credentials{
		Username:  cred.Username,
		Realm:     realm,
		Nonce:     chal.Nonce,
		URI:       uri,
		Response:  response,
		Algorithm: algorithm,
		Opaque:    chal.Opaque,
	}
	return c.String(), nil
}
