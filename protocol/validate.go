package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrIndexRange = errors.New("piece index out of range")
	ErrBlockRange = errors.New("block out of range")
)

// ValidationError reports a message that is well-formed but refers to
// data outside the torrent.  Unlike ParseError, it can only be detected
// once metadata is known.
type ValidationError struct {
	Index, Begin, Length uint32
	Err                  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid block %v %v %v: %v",
		e.Index, e.Begin, e.Length, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateIndex checks that index is within [0, numPieces).
func ValidateIndex(index uint32, numPieces int) error {
	if numPieces < 0 || uint64(index) >= uint64(numPieces) {
		return &ValidationError{Index: index, Err: ErrIndexRange}
	}
	return nil
}

// ValidateBlock checks that the block (index, begin, length) lies within
// piece index, whose size is pieceSize.  Empty blocks are invalid.
func ValidateBlock(index, begin, length uint32, numPieces int, pieceSize uint32) error {
	err := ValidateIndex(index, numPieces)
	if err != nil {
		e := err.(*ValidationError)
		e.Begin = begin
		e.Length = length
		return e
	}
	if begin >= pieceSize || length == 0 ||
		uint64(begin)+uint64(length) > uint64(pieceSize) {
		return &ValidationError{index, begin, length, ErrBlockRange}
	}
	return nil
}
