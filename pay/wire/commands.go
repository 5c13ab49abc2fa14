// SPDX-FileCopyrightText: © 2025 The Mixpay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the framing of the payment control channel
// messages exchanged with a cascade's accounting instance.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/mixpay/mixpay/pay"
)

const (
	cmdOverhead = 1 + 1 + 4

	// MaxMessageLength bounds the body of a control message.
	MaxMessageLength = 1 << 20

	payRequest          commandID = 1
	aiLoginConfirmation commandID = 2
	errorMessage        commandID = 3
	challenge           commandID = 4
	costConfirmation    commandID = 5
	accountCertificate  commandID = 6
	response            commandID = 7
)

type commandID byte

var (
	errInvalidCommand = fmt.Errorf("wire: invalid command: %w", pay.ErrProtocolViolation)
	errUnknownCommand = fmt.Errorf("wire: unknown command: %w", pay.ErrProtocolViolation)

	ccbor cbor.EncMode
)

// Message is a control channel message.
type Message interface {
	// ToBytes serializes the message.
	ToBytes() ([]byte, error)
}

// PayRequest asks for the account certificate and/or for the signature of
// a cost confirmation.
type PayRequest struct {
	AccountRequest bool
	CC             *pay.CostConfirmation `cbor:",omitempty"`
}

// ToBytes serializes the PayRequest.
func (m *PayRequest) ToBytes() ([]byte, error) {
	return frame(payRequest, m)
}

// AiLoginConfirmation ends the login handshake.
type AiLoginConfirmation struct {
	Code    pay.ErrorCode
	Message string
}

// ToBytes serializes the AiLoginConfirmation.
func (m *AiLoginConfirmation) ToBytes() ([]byte, error) {
	return frame(aiLoginConfirmation, m)
}

// ErrorMessage reports an error on the peer's side.
type ErrorMessage struct {
	Code    pay.ErrorCode
	Message string
}

// ToBytes serializes the ErrorMessage.
func (m *ErrorMessage) ToBytes() ([]byte, error) {
	return frame(errorMessage, m)
}

// Err returns the reported error.
func (m *ErrorMessage) Err() *pay.Error {
	return pay.ErrorFromCode(m.Code, m.Message)
}

// Challenge asks the client to prove possession of the account key.
type Challenge struct {
	Nonce        []byte
	PrepaidBytes int64
}

// ToBytes serializes the Challenge.
func (m *Challenge) ToBytes() ([]byte, error) {
	return frame(challenge, m)
}

// CostConfirmation carries a bare cost confirmation. Inbound it is the last
// confirmation the accounting instance holds, outbound it is a co-signed one.
type CostConfirmation struct {
	CC *pay.CostConfirmation
}

// ToBytes serializes the CostConfirmation.
func (m *CostConfirmation) ToBytes() ([]byte, error) {
	if m.CC == nil {
		return nil, errors.New("wire: nil cost confirmation")
	}
	return frame(costConfirmation, m)
}

// AccountCertificate carries a serialized account certificate.
type AccountCertificate struct {
	Raw []byte
}

// ToBytes serializes the AccountCertificate.
func (m *AccountCertificate) ToBytes() ([]byte, error) {
	return frame(accountCertificate, m)
}

// Response answers a Challenge.
type Response struct {
	Signature []byte
}

// ToBytes serializes the Response.
func (m *Response) ToBytes() ([]byte, error) {
	return frame(response, m)
}

func frame(id commandID, m Message) ([]byte, error) {
	body, err := ccbor.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageLength {
		return nil, fmt.Errorf("wire: message too large: %d", len(body))
	}
	out := make([]byte, cmdOverhead, cmdOverhead+len(body))
	out[0] = byte(id)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	return append(out, body...), nil
}

// FromBytes de-serializes the message in the buffer b. Errors wrap
// pay.ErrProtocolViolation.
func FromBytes(b []byte) (Message, error) {
	if len(b) < cmdOverhead {
		return nil, errInvalidCommand
	}

	// Parse the common header.
	id := b[0]
	if b[1] != 0 {
		return nil, errInvalidCommand
	}
	cmdLen := binary.BigEndian.Uint32(b[2:6])
	b = b[cmdOverhead:]
	if uint32(len(b)) != cmdLen || cmdLen > MaxMessageLength {
		return nil, errInvalidCommand
	}

	var m Message
	switch commandID(id) {
	case payRequest:
		m = new(PayRequest)
	case aiLoginConfirmation:
		m = new(AiLoginConfirmation)
	case errorMessage:
		m = new(ErrorMessage)
	case challenge:
		m = new(Challenge)
	case costConfirmation:
		m = new(CostConfirmation)
	case accountCertificate:
		m = new(AccountCertificate)
	case response:
		m = new(Response)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", errUnknownCommand, id)
	}
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	if cc, ok := m.(*CostConfirmation); ok && cc.CC == nil {
		return nil, errInvalidCommand
	}
	return m, nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
