package fat

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/language"
)

const sfnIllegal = "\"*+,./:;<=>?[\\]|\x7f"

var sfnCodec = charmap.CodePage437

// makeSFN builds the space padded 8.3 short name stored in a directory entry.
// Names are upper-cased and encoded in code page 437.
func makeSFN(name, ext string) (sfn [11]byte, err error) {
	body, err := encodeSFNPart(name, 8)
	if err != nil {
		return sfn, err
	} else if len(body) == 0 {
		return sfn, ErrInvalidName // Reject null name.
	}
	extension, err := encodeSFNPart(ext, 3)
	if err != nil {
		return sfn, err
	}
	for i := range sfn {
		sfn[i] = ' '
	}
	copy(sfn[:8], body)
	copy(sfn[8:], extension)
	return sfn, nil
}

func encodeSFNPart(s string, maxlen int) ([]byte, error) {
	s = strings.TrimRight(s, " ")
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || strings.IndexByte(sfnIllegal, s[i]) >= 0 {
			return nil, ErrInvalidName
		}
	}
	enc, err := sfnCodec.NewEncoder().String(cases.Upper(language.Und).String(s))
	if err != nil || len(enc) > maxlen {
		return nil, ErrInvalidName
	}
	return []byte(enc), nil
}

// splitName splits "NAME.EXT" into its name and extension parts.
func splitName(path string) (name, ext string) {
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// clipname returns the name with trailing padding removed.
func clipname(name []byte) []byte {
	end := len(name)
	for end > 0 && (name[end-1] == ' ' || name[end-1] == 0) {
		end--
	}
	return name[:end]
}

// str decodes a padded code page 437 name field.
func str(name []byte) string {
	s, err := sfnCodec.NewDecoder().Bytes(clipname(name))
	if err != nil {
		return string(clipname(name))
	}
	return string(s)
}
