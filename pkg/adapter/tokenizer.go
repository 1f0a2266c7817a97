package adapter

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter measures prompt size in BPE tokens
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base". The
// encoding file is fetched on first use unless TIKTOKEN_CACHE_DIR has it.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tiktoken encoding", goerr.V("encoding", encoding))
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
