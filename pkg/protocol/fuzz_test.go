package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecode fuzzes the message decoder with random bytes
func FuzzDecode(f *testing.F) {
	f.Add(Marshal(PingMessage))
	f.Add(Marshal(NewRegister("luffy")))
	f.Add(Marshal(NewErrorReply(ErrCodeUnknownUser, "no such user")))
	f.Add(append(Header[:], 0x99))                                    // unknown type
	f.Add(append(Header[:], byte(TypeOkay), 0xFF, 0xFF, 0xFF, 0xFF)) // absurd field count
	f.Add([]byte("GET / HTTP/1.1\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic or hang; errors are expected
		msg, err := Decode(bytes.NewReader(data))
		if err != nil {
			return
		}

		// Anything that decodes must re-encode to the bytes it came from
		again := Marshal(msg)
		if !bytes.Equal(again, data[:len(again)]) {
			t.Fatalf("re-encoding differs: % x vs % x", again, data[:len(again)])
		}
	})
}

// FuzzReadUint32LE fuzzes the uint32 decoder
func FuzzReadUint32LE(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		val, err := ReadUint32LE(bytes.NewReader(data))
		_ = val
		_ = err
	})
}
