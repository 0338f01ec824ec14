package somniaagents

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestParseRequestCreated(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(SomniaAgentsABI))
	if err != nil {
		t.Fatalf("parse ABI: %v", err)
	}

	requester := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	member := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	callback := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	data, err := parsed.Events["RequestCreated"].Inputs.NonIndexed().Pack(
		requester,
		[]common.Address{member},
		payload,
		callback,
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	log := types.Log{
		Topics: []common.Hash{
			parsed.Events["RequestCreated"].ID,
			common.BigToHash(big.NewInt(42)),
			common.BigToHash(big.NewInt(7)),
		},
		Data: data,
	}

	f := &SomniaAgentsFilterer{abi: parsed}
	event, err := f.ParseRequestCreated(log)
	if err != nil {
		t.Fatalf("ParseRequestCreated: %v", err)
	}

	if event.RequestId.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("RequestId = %v, want 42", event.RequestId)
	}
	if event.AgentId.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("AgentId = %v, want 7", event.AgentId)
	}
	if event.Requester != requester {
		t.Errorf("Requester = %v, want %v", event.Requester, requester)
	}
	if len(event.Subcommittee) != 1 || event.Subcommittee[0] != member {
		t.Errorf("Subcommittee = %v, want [%v]", event.Subcommittee, member)
	}
	if !bytes.Equal(event.Payload, payload) {
		t.Errorf("Payload = %x, want %x", event.Payload, payload)
	}
	if event.Callback != callback {
		t.Errorf("Callback = %v, want %v", event.Callback, callback)
	}
}

func TestParseRequestCreatedRejectsShortTopics(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(SomniaAgentsABI))
	if err != nil {
		t.Fatalf("parse ABI: %v", err)
	}

	f := &SomniaAgentsFilterer{abi: parsed}
	if _, err := f.ParseRequestCreated(types.Log{Topics: []common.Hash{parsed.Events["RequestCreated"].ID}}); err == nil {
		t.Fatal("expected error for missing indexed topics")
	}
}
