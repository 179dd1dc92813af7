package multisig

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Member is one participant in a multisig group.
type Member struct {
	Key solana.PublicKey
	// Permissions is a bitmask: 1 initiate, 2 vote, 4 execute.
	Permissions uint8
}

// PermissionsAll grants initiate, vote, and execute.
const PermissionsAll uint8 = 7

// Account is the decoded on-chain multisig config account.
type Account struct {
	CreateKey       solana.PublicKey
	ConfigAuthority solana.PublicKey
	Threshold       uint16
	TimeLock        uint32
	// TransactionIndex is the index of the most recently created
	// transaction. Proposals derive their PDA from it, so it must be
	// read fresh immediately before building a proposal.
	TransactionIndex      uint64
	StaleTransactionIndex uint64
	RentCollector         *solana.PublicKey
	Bump                  uint8
	Members               []Member
}

// DecodeAccount decodes a multisig config account from raw account data.
func DecodeAccount(data []byte) (*Account, error) {
	disc := accountDiscriminator("Multisig")
	if len(data) < len(disc) || !bytes.Equal(data[:len(disc)], disc) {
		return nil, fmt.Errorf("not a multisig account (bad discriminator)")
	}

	dec := bin.NewBinDecoder(data[len(disc):])
	acct := &Account{}

	createKey, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode create key: %w", err)
	}
	acct.CreateKey = solana.PublicKeyFromBytes(createKey)

	configAuthority, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config authority: %w", err)
	}
	acct.ConfigAuthority = solana.PublicKeyFromBytes(configAuthority)

	if acct.Threshold, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("failed to decode threshold: %w", err)
	}
	if acct.TimeLock, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("failed to decode time lock: %w", err)
	}
	if acct.TransactionIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("failed to decode transaction index: %w", err)
	}
	if acct.StaleTransactionIndex, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("failed to decode stale transaction index: %w", err)
	}

	hasRentCollector, err := dec.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to decode rent collector tag: %w", err)
	}
	if hasRentCollector == 1 {
		rc, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to decode rent collector: %w", err)
		}
		pk := solana.PublicKeyFromBytes(rc)
		acct.RentCollector = &pk
	}

	if acct.Bump, err = dec.ReadByte(); err != nil {
		return nil, fmt.Errorf("failed to decode bump: %w", err)
	}

	memberCount, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("failed to decode member count: %w", err)
	}
	for i := uint32(0); i < memberCount; i++ {
		key, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to decode member %d: %w", i, err)
		}
		perms, err := dec.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to decode member %d permissions: %w", i, err)
		}
		acct.Members = append(acct.Members, Member{
			Key:         solana.PublicKeyFromBytes(key),
			Permissions: perms,
		})
	}

	return acct, nil
}

// EncodeAccount renders an Account back into the on-chain layout. Used by
// test doubles standing in for the chain.
func EncodeAccount(acct *Account) []byte {
	data := accountDiscriminator("Multisig")
	data = append(data, acct.CreateKey.Bytes()...)
	data = append(data, acct.ConfigAuthority.Bytes()...)
	data = appendUint16LE(data, acct.Threshold)
	data = appendUint32LE(data, acct.TimeLock)
	data = appendUint64LE(data, acct.TransactionIndex)
	data = appendUint64LE(data, acct.StaleTransactionIndex)
	if acct.RentCollector != nil {
		data = append(data, 1)
		data = append(data, acct.RentCollector.Bytes()...)
	} else {
		data = append(data, 0)
	}
	data = append(data, acct.Bump)
	data = appendUint32LE(data, uint32(len(acct.Members)))
	for _, m := range acct.Members {
		data = append(data, m.Key.Bytes()...)
		data = append(data, m.Permissions)
	}
	return data
}
