package signer

import (
	"errors"
	"fmt"

	"github.com/sqids/sqids-go"
)

const minIDLength = 8

var errBadID = errors.New("malformed account id")

// idCodec maps internal account ids to short opaque strings. It hides the raw
// sequence from clients but is not a secret.
type idCodec struct {
	sqids *sqids.Sqids
}

func newIDCodec(alphabet string) (*idCodec, error) {
	opts := sqids.Options{MinLength: minIDLength}
	if alphabet != "" {
		opts.Alphabet = alphabet
	}
	s, err := sqids.New(opts)
	if err != nil {
		return nil, fmt.Errorf("id codec: %w", err)
	}
	return &idCodec{sqids: s}, nil
}

func (c *idCodec) encode(id int64) (string, error) {
	if id < 0 {
		return "", errBadID
	}
	return c.sqids.Encode([]uint64{uint64(id)})
}

// decode accepts only the canonical encoding so each id has exactly one string form.
func (c *idCodec) decode(s string) (int64, error) {
	nums := c.sqids.Decode(s)
	if len(nums) != 1 || nums[0] > 1<<63-1 {
		return 0, errBadID
	}
	canonical, err := c.sqids.Encode(nums)
	if err != nil || canonical != s {
		return 0, errBadID
	}
	return int64(nums[0]), nil
}
