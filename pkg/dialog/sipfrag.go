package dialog

import (
	"bytes"
	"strconv"
	"strings"
)

// parseSipfragStatusCode extracts the SIP status code from a NOTIFY body
// of type message/sipfrag. First line looks like
// "SIP/2.0 200 OK". Returns 0 if it cannot be determined.
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}
