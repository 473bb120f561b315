package imaging

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ErrImageParse is returned for any input that cannot be decoded as a
// supported volumetric image.
var ErrImageParse = errors.New("imaging: cannot parse image")

const (
	dicomPreambleLen = 128
	niftiHeaderSize  = 348
)

// maxImageBytes bounds how much of an input file is read into memory.
const maxImageBytes = 512 << 20

// Loader detects the format of an image file and decodes it.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a Loader that logs parse failures to logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "imaging").Logger()}
}

// Load decodes the image at path. Any decoding failure is logged and reported
// as ErrImageParse with a nil volume.
func (l *Loader) Load(path string) (*Volume, error) {
	vol, err := l.load(path)
	if err != nil {
		l.logger.Warn().Err(err).Msg("image parse failed")
		return nil, ErrImageParse
	}
	if err := vol.Validate(); err != nil {
		l.logger.Warn().Err(err).Str("format", vol.Format).Msg("decoded image is inconsistent")
		return nil, ErrImageParse
	}
	return vol, nil
}

func (l *Loader) load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(dicomPreambleLen + 4)

	switch {
	case isDICOM(head):
		return decodeDICOM(path)
	case isGzip(head):
		return decodeNIfTIGzip(io.LimitReader(br, maxImageBytes))
	case isNIfTI(head):
		data, err := io.ReadAll(io.LimitReader(br, maxImageBytes))
		if err != nil {
			return nil, err
		}
		return decodeNIfTI(data)
	default:
		return nil, fmt.Errorf("unrecognized image format (%d header bytes)", len(head))
	}
}

func isDICOM(head []byte) bool {
	return len(head) >= dicomPreambleLen+4 && bytes.Equal(head[dicomPreambleLen:dicomPreambleLen+4], []byte("DICM"))
}

func isGzip(head []byte) bool {
	return len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b
}

func isNIfTI(head []byte) bool {
	if len(head) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(head) == niftiHeaderSize || binary.BigEndian.Uint32(head) == niftiHeaderSize
}
