// Package crypt owns the symmetric cipher state of the voice
// datagram channel. Frames are sealed with NaCl secretbox under a
// session key installed from the control channel's CryptSetup
// exchange; an 8-byte counter prefix derives the nonce and doubles as
// the reordering signal behind the good/late/lost accounting.
//
// A State carries no lock of its own. It is owned by the client
// façade and only touched under the façade's mutex.
package crypt

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// MaxDatagramSize is the largest voice plaintext the channel will
	// carry. The server drops anything bigger, so oversize payloads
	// are rejected before sealing.
	MaxDatagramSize = 1024

	counterLen = 8

	// Overhead is the ciphertext expansion per datagram: the counter
	// prefix plus the secretbox authentication tag.
	Overhead = counterLen + secretbox.Overhead

	// MaxCiphertextSize bounds inbound datagrams before decryption.
	MaxCiphertextSize = MaxDatagramSize + Overhead
)

var (
	// ErrNotInitialized is returned before any key has been installed.
	ErrNotInitialized = errors.New("crypt: cipher state not initialized")

	// ErrTooLarge is returned for payloads over the datagram limit.
	ErrTooLarge = errors.New("crypt: payload exceeds maximum datagram size")

	// ErrTooShort is returned for ciphertexts shorter than the overhead.
	ErrTooShort = errors.New("crypt: ciphertext too short")

	// ErrAuthFailed is returned when a ciphertext fails authentication.
	ErrAuthFailed = errors.New("crypt: message authentication failed")
)

// Counters mirrors the datagram-channel health counters exchanged in
// control pings: successfully decrypted, reordered, gap-inferred lost,
// and resync-request packets.
type Counters struct {
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32
}

// State holds the session key, nonce counters, and both sides' health
// counters for one datagram-channel session.
type State struct {
	key         [32]byte
	initialized bool

	sendCounter uint64
	highestSeen uint64

	local  Counters
	remote Counters

	lastGood time.Time
}

// NewState creates an empty State. Encrypt and Decrypt fail until
// SetKey installs session material.
func NewState() *State {
	return &State{}
}

// SetKey installs session key material and resets every counter.
// Counters are only meaningful within one session, so renegotiation
// starts the accounting over.
func (s *State) SetKey(key [32]byte) {
	s.key = key
	s.initialized = true
	s.sendCounter = 0
	s.highestSeen = 0
	s.local = Counters{}
	s.remote = Counters{}
	s.lastGood = time.Time{}
}

// Initialized reports whether a session key is installed.
func (s *State) Initialized() bool {
	return s.initialized
}

// Encrypt seals plain into a counter-prefixed ciphertext.
func (s *State) Encrypt(plain []byte) ([]byte, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if len(plain) > MaxDatagramSize {
		return nil, ErrTooLarge
	}

	s.sendCounter++

	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[:counterLen], s.sendCounter)

	out := make([]byte, counterLen, counterLen+len(plain)+secretbox.Overhead)
	binary.BigEndian.PutUint64(out, s.sendCounter)
	return secretbox.Seal(out, plain, &nonce, &s.key), nil
}

// Decrypt opens a counter-prefixed ciphertext and updates the local
// health counters. Failed authentication leaves all state untouched
// so a tampered packet cannot poison the accounting.
func (s *State) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if len(ciphertext) > MaxCiphertextSize {
		return nil, ErrTooLarge
	}
	if len(ciphertext) < Overhead {
		return nil, ErrTooShort
	}

	counter := binary.BigEndian.Uint64(ciphertext[:counterLen])

	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[:counterLen], counter)

	plain, ok := secretbox.Open(nil, ciphertext[counterLen:], &nonce, &s.key)
	if !ok {
		return nil, ErrAuthFailed
	}

	switch {
	case counter > s.highestSeen:
		if s.highestSeen != 0 && counter > s.highestSeen+1 {
			s.local.Lost += uint32(counter - s.highestSeen - 1)
		}
		s.highestSeen = counter
	default:
		s.local.Late++
	}
	s.local.Good++

	return plain, nil
}

// LocalCounters returns this side's health counters.
func (s *State) LocalCounters() Counters {
	return s.local
}

// RemoteCounters returns the peer's counters as last mirrored from a
// control ping.
func (s *State) RemoteCounters() Counters {
	return s.remote
}

// SetRemoteCounters stores the peer-reported counters.
func (s *State) SetRemoteCounters(c Counters) {
	s.remote = c
}

// RecordResync counts one crypto-resync request sent to the peer.
func (s *State) RecordResync() {
	s.local.Resync++
}

// LastGood returns the last-good timestamp.
func (s *State) LastGood() time.Time {
	return s.lastGood
}

// TouchLastGood stamps the last-good time. State keeps no clock of
// its own; the owner stamps successful decrypts and uses the same
// timestamp to rate-limit resync requests while decryption fails.
func (s *State) TouchLastGood(t time.Time) {
	s.lastGood = t
}
