package contracts

import "errors"

var (
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
	ErrInvalidOutcome  = errors.New("contracts: invalid outcome")
	ErrNilEnvelope     = errors.New("contracts: nil envelope")
)
