package swap

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

type Format int

const (
	FormatLegacy Format = iota
	FormatVersioned
)

func (f Format) String() string {
	if f == FormatVersioned {
		return "versioned"
	}
	return "legacy"
}

// maxMessageVersion is the highest version prefix treated as versioned.
const maxMessageVersion = 4

var ErrTruncatedTransaction = errors.New("transaction is truncated")

// DetectTransactionFormat inspects the first message byte after the
// signature section. A set high bit with version 0 to 4 in the low bits
// marks a versioned message; anything else is a legacy header.
func DetectTransactionFormat(raw []byte) (Format, error) {
	if len(raw) == 0 {
		return FormatLegacy, ErrTruncatedTransaction
	}
	dec := bin.NewBinDecoder(raw)
	numSigs, err := dec.ReadCompactU16()
	if err != nil {
		return FormatLegacy, fmt.Errorf("read signature count: %w", err)
	}
	if numSigs < 0 || numSigs > dec.Remaining()/64 {
		return FormatLegacy, ErrTruncatedTransaction
	}
	off := len(raw) - dec.Remaining() + numSigs*64
	if off >= len(raw) {
		return FormatLegacy, ErrTruncatedTransaction
	}
	prefix := raw[off]
	if prefix&0x80 != 0 && int(prefix&0x7f) <= maxMessageVersion {
		return FormatVersioned, nil
	}
	return FormatLegacy, nil
}

// DecodeSwapTransaction deserializes an aggregator transaction and reports
// which wire format it used.
func DecodeSwapTransaction(raw []byte) (*solana.Transaction, Format, error) {
	format, err := DetectTransactionFormat(raw)
	if err != nil {
		return nil, format, err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, format, fmt.Errorf("decode %s transaction: %w", format, err)
	}
	if tx.Message.IsVersioned() != (format == FormatVersioned) {
		return nil, format, fmt.Errorf("decoded message does not match %s prefix", format)
	}
	return tx, format, nil
}
