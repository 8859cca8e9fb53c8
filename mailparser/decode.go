package mailparser

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/japanese"
)

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(name string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(name) {
		case "iso-2022-jp":
			return japanese.ISO2022JP.NewDecoder().Reader(input), nil
		default:
			return charset.Reader(name, input)
		}
	},
}

// DecodeHeader decodes RFC 2047 encoded words.
func DecodeHeader(header string) (string, error) {
	// ヘッダーをデコード
	decoded, err := wordDecoder.DecodeHeader(header)
	if err != nil {
		return "", err
	}
	return decoded, nil
}

// decodeOrRaw never fails: undecodable values come back as they were.
func decodeOrRaw(header string) string {
	decoded, err := DecodeHeader(header)
	if err != nil {
		decoded = header
	}
	return strings.ToValidUTF8(strings.TrimSpace(decoded), "�")
}
