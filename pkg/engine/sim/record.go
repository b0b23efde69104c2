package sim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"tlsbridge/pkg/tlserr"
)

// Record layout: [type u8][len u16 BE][body]. Protected bodies are the
// keystream-masked payload followed by a truncated HMAC tag.
const (
	recAlert     byte = 21
	recHandshake byte = 22
	recAppData   byte = 23
	recKeyUpdate byte = 24

	headerLen = 3
	tagLen    = 16

	DefaultMaxRecordSize = 16384
	maxRecordLimit       = 0xffff - tagLen
)

var (
	errRecordOverflow = errors.New("record exceeds maximum size")
	errBadRecordType  = errors.New("unknown record type")
)

// Alert codes, as in TLS.
const (
	alertCloseNotify         byte = 0
	alertUnexpectedMessage   byte = 10
	alertBadRecordMAC        byte = 20
	alertRecordOverflow      byte = 22
	alertHandshakeFailure    byte = 40
	alertBadCertificate      byte = 42
	alertDecodeError         byte = 50
	alertDecryptError        byte = 51
	alertProtocolVersion     byte = 70
	alertInternalError       byte = 80
	alertCertificateRequired byte = 116
)

func alertKind(code byte) tlserr.Kind {
	switch code {
	case alertCloseNotify:
		return tlserr.KindClosedByPeer
	case alertHandshakeFailure, alertProtocolVersion, alertDecryptError:
		return tlserr.KindHandshakeFailed
	case alertBadCertificate, alertCertificateRequired:
		return tlserr.KindCertificateRejected
	case alertInternalError:
		return tlserr.KindInternal
	default:
		return tlserr.KindProtocol
	}
}

func alertName(code byte) string {
	switch code {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertRecordOverflow:
		return "record_overflow"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertDecodeError:
		return "decode_error"
	case alertDecryptError:
		return "decrypt_error"
	case alertProtocolVersion:
		return "protocol_version"
	case alertInternalError:
		return "internal_error"
	case alertCertificateRequired:
		return "certificate_required"
	}
	return "alert"
}

func appendRecord(out []byte, typ byte, body []byte) []byte {
	out = append(out, typ, byte(len(body)>>8), byte(len(body)))
	return append(out, body...)
}

// parseRecord returns the next whole record of in. n == 0 with a nil error
// means more input is needed.
func parseRecord(in []byte, limit int) (typ byte, body []byte, n int, err error) {
	if len(in) < headerLen {
		return 0, nil, 0, nil
	}
	switch in[0] {
	case recAlert, recHandshake, recAppData, recKeyUpdate:
	default:
		return 0, nil, 0, errBadRecordType
	}
	l := int(binary.BigEndian.Uint16(in[1:headerLen]))
	if l > limit+tagLen {
		return 0, nil, 0, errRecordOverflow
	}
	if len(in) < headerLen+l {
		return 0, nil, 0, nil
	}
	return in[0], in[headerLen : headerLen+l], headerLen + l, nil
}

// direction is the protection state of one side of the connection.
type direction struct {
	label  string
	key    []byte
	seq    uint64
	epoch  uint32
	active bool
}

func deriveKey(master []byte, label string, epoch uint32) []byte {
	m := hmac.New(sha256.New, master)
	m.Write([]byte(label))
	var e [4]byte
	binary.BigEndian.PutUint32(e[:], epoch)
	m.Write(e[:])
	return m.Sum(nil)
}

func (d *direction) init(master []byte) {
	d.epoch, d.seq = 0, 0
	d.key = deriveKey(master, d.label, 0)
}

func (d *direction) rekey(master []byte) {
	d.epoch++
	d.seq = 0
	d.key = deriveKey(master, d.label, d.epoch)
}

func (d *direction) wipe() {
	for i := range d.key {
		d.key[i] = 0
	}
	d.active = false
}

func keystream(key []byte, seq uint64, dst, src []byte) {
	var ctr [12]byte
	binary.BigEndian.PutUint64(ctr[:8], seq)
	for off := 0; off < len(src); off += sha256.Size {
		binary.BigEndian.PutUint32(ctr[8:], uint32(off/sha256.Size))
		h := sha256.New()
		h.Write(key)
		h.Write(ctr[:])
		block := h.Sum(nil)
		for i := 0; i < sha256.Size && off+i < len(src); i++ {
			dst[off+i] = src[off+i] ^ block[i]
		}
	}
}

func recordTag(key []byte, typ byte, seq uint64, ct []byte) []byte {
	m := hmac.New(sha256.New, key)
	var hdr [9]byte
	hdr[0] = typ
	binary.BigEndian.PutUint64(hdr[1:], seq)
	m.Write(hdr[:])
	m.Write(ct)
	return m.Sum(nil)[:tagLen]
}

// seal appends a record, protected once the direction is active.
func (d *direction) seal(out []byte, typ byte, plain []byte) []byte {
	if !d.active {
		return appendRecord(out, typ, plain)
	}
	body := make([]byte, len(plain), len(plain)+tagLen)
	keystream(d.key, d.seq, body, plain)
	body = append(body, recordTag(d.key, typ, d.seq, body)...)
	d.seq++
	return appendRecord(out, typ, body)
}

// open authenticates and unmasks a record body.
func (d *direction) open(typ byte, body []byte) ([]byte, bool) {
	if !d.active {
		return body, true
	}
	if len(body) < tagLen {
		return nil, false
	}
	ct, tag := body[:len(body)-tagLen], body[len(body)-tagLen:]
	if !hmac.Equal(tag, recordTag(d.key, typ, d.seq, ct)) {
		return nil, false
	}
	plain := make([]byte, len(ct))
	keystream(d.key, d.seq, plain, ct)
	d.seq++
	return plain, true
}
