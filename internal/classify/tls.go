// Package classify implements the byte-level L7 sniffers the Strategy
// Selector and Failure Classifier depend on: "is this a TLS ClientHello",
// "is this HTTP", "does this response look like a block page", and SNI/Host
// extraction for the allow-list match. None of these terminate a protocol —
// they're opaque peeking predicates over already-buffered bytes, the same
// contract as extend.c's is_tls_chello/is_http/parse_tls family.
package classify

import "encoding/binary"

const (
	tlsContentTypeHandshake = 0x16
	tlsHandshakeClientHello = 0x01
	tlsHandshakeServerHello = 0x02
	tlsExtensionSNI         = 0x0000
)

// IsTLSClientHello reports whether b looks like the start of a TLS record
// carrying a ClientHello handshake message.
func IsTLSClientHello(b []byte) bool {
	return isHandshake(b, tlsHandshakeClientHello)
}

// IsTLSServerHello reports whether b looks like the start of a TLS record
// carrying a ServerHello handshake message.
func IsTLSServerHello(b []byte) bool {
	return isHandshake(b, tlsHandshakeServerHello)
}

func isHandshake(b []byte, want byte) bool {
	if len(b) < 6 {
		return false
	}
	if b[0] != tlsContentTypeHandshake {
		return false
	}
	return b[5] == want
}

// NeqTLSSessionID reports whether req and resp are both TLS handshake
// records but carry different session IDs — one of the anomalies the
// Failure Classifier treats as a broken handshake (extend.c's neq_tls_sid).
func NeqTLSSessionID(req, resp []byte) bool {
	reqID, reqOK := sessionID(req, tlsHandshakeClientHello)
	respID, respOK := sessionID(resp, tlsHandshakeServerHello)
	if !reqOK || !respOK {
		return false
	}
	if len(reqID) != len(respID) {
		return true
	}
	for i := range reqID {
		if reqID[i] != respID[i] {
			return true
		}
	}
	return false
}

// sessionID extracts the session ID field from a ClientHello or ServerHello.
// Layout after the 5-byte record header and 4-byte handshake header:
// version(2) random(32) session_id_len(1) session_id(variable) ...
func sessionID(b []byte, wantType byte) (id []byte, ok bool) {
	if !isHandshake(b, wantType) {
		return nil, false
	}
	pos := 9 // record header (5) + handshake header (4)
	if len(b) < pos+34 {
		return nil, false
	}
	pos += 34 // version(2) + random(32)
	if len(b) < pos+1 {
		return nil, false
	}
	idLen := int(b[pos])
	pos++
	if len(b) < pos+idLen {
		return nil, false
	}
	return b[pos : pos+idLen], true
}

// ParseTLSSNI walks a ClientHello's extensions looking for the SNI
// extension (type 0x0000) and returns the offset and length of the hostname
// within b. Returns (0, 0) if absent or b doesn't parse as a ClientHello.
//
// Adapted from the extractSNI walk in the tamecalm-signal-proxy reference,
// modified to return offsets instead of allocating a string so HostMatch can
// reuse the same backing array for its suffix scan.
func ParseTLSSNI(b []byte) (offset, length int) {
	if !isHandshake(b, tlsHandshakeClientHello) {
		return 0, 0
	}
	pos := 9
	if len(b) < pos+34 {
		return 0, 0
	}
	pos += 34
	if len(b) < pos+1 {
		return 0, 0
	}
	sessionIDLen := int(b[pos])
	pos += 1 + sessionIDLen
	if len(b) < pos+2 {
		return 0, 0
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if len(b) < pos+1 {
		return 0, 0
	}
	compressionLen := int(b[pos])
	pos += 1 + compressionLen
	if len(b) < pos+2 {
		return 0, 0
	}
	extensionsLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	end := pos + extensionsLen
	if end > len(b) {
		end = len(b)
	}
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(b[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(b[pos+2 : pos+4]))
		pos += 4
		if pos+extLen > end {
			return 0, 0
		}
		if extType == tlsExtensionSNI {
			return parseSNIExtension(b, pos, pos+extLen)
		}
		pos += extLen
	}
	return 0, 0
}

// parseSNIExtension parses the server_name_list within [start,end) and
// returns the offset/length of the first hostname entry (name_type == 0).
func parseSNIExtension(b []byte, start, end int) (offset, length int) {
	pos := start
	if pos+2 > end {
		return 0, 0
	}
	pos += 2 // server_name_list length
	if pos+3 > end {
		return 0, 0
	}
	if b[pos] != 0x00 { // name_type: host_name
		return 0, 0
	}
	nameLen := int(binary.BigEndian.Uint16(b[pos+1 : pos+3]))
	pos += 3
	if pos+nameLen > end {
		return 0, 0
	}
	return pos, nameLen
}
