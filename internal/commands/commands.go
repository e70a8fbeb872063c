// Package commands parses the in-chat slash commands the messaging UI
// forwards for escrow coordination.
//
// Supported forms:
//
//	/escrow create <buyer> <nftContract> <tokenId> <price> <durationHours> — start a trade
//	/escrow manage [escrowId]                                             — open trade management
//	/escrow status [escrowId]                                             — show trade status
//	/escrow help                                                          — usage text
package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pixelmart/escrowd/internal/validation"
)

// ErrNotCommand means the text is ordinary chat, not a slash command.
var ErrNotCommand = errors.New("commands: not an escrow command")

// Verb identifies the requested operation.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbManage Verb = "manage"
	VerbStatus Verb = "status"
	VerbHelp   Verb = "help"
)

// Command is a parsed escrow slash command.
type Command struct {
	Verb Verb

	// Create arguments
	Buyer         string
	NFTContract   string
	TokenID       string
	Price         string
	DurationHours uint64

	// Manage/status target; 0 means "the conversation's escrows".
	EscrowID uint64
}

// HelpText is returned for /escrow help and malformed commands.
const HelpText = `Escrow commands:
/escrow create <buyer> <nftContract> <tokenId> <price> <durationHours> — propose a trade
/escrow manage [escrowId] — manage a trade in this conversation
/escrow status [escrowId] — show trade status
/escrow help — this message`

// Parse parses chat text into a Command. Ordinary chat returns ErrNotCommand;
// a recognized but malformed command returns a descriptive error suitable for
// echoing back into the conversation.
func Parse(text string) (*Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.EqualFold(fields[0], "/escrow") {
		return nil, ErrNotCommand
	}
	if len(fields) == 1 {
		return &Command{Verb: VerbHelp}, nil
	}

	switch strings.ToLower(fields[1]) {
	case "create":
		return parseCreate(fields[2:])
	case "manage":
		return parseTargeted(VerbManage, fields[2:])
	case "status":
		return parseTargeted(VerbStatus, fields[2:])
	case "help":
		return &Command{Verb: VerbHelp}, nil
	default:
		return nil, fmt.Errorf("commands: unknown subcommand %q\n%s", fields[1], HelpText)
	}
}

func parseCreate(args []string) (*Command, error) {
	if len(args) != 5 {
		return nil, fmt.Errorf("commands: create needs 5 arguments, got %d\n%s", len(args), HelpText)
	}

	buyer, nftContract, tokenID, price, duration := args[0], args[1], args[2], args[3], args[4]

	if !validation.IsValidEthAddress(buyer) {
		return nil, fmt.Errorf("commands: %q is not a valid buyer address", buyer)
	}
	if !validation.IsValidEthAddress(nftContract) {
		return nil, fmt.Errorf("commands: %q is not a valid NFT contract address", nftContract)
	}
	if _, err := strconv.ParseUint(tokenID, 10, 64); err != nil {
		return nil, fmt.Errorf("commands: %q is not a valid token id", tokenID)
	}
	if !validation.IsValidAmount(price) {
		return nil, fmt.Errorf("commands: %q is not a valid price", price)
	}
	hours, err := strconv.ParseUint(strings.TrimSuffix(duration, "h"), 10, 32)
	if err != nil || hours == 0 {
		return nil, fmt.Errorf("commands: %q is not a valid duration in hours", duration)
	}

	return &Command{
		Verb:          VerbCreate,
		Buyer:         validation.SanitizeAddress(buyer),
		NFTContract:   validation.SanitizeAddress(nftContract),
		TokenID:       tokenID,
		Price:         price,
		DurationHours: hours,
	}, nil
}

func parseTargeted(verb Verb, args []string) (*Command, error) {
	cmd := &Command{Verb: verb}
	if len(args) == 0 {
		return cmd, nil
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("commands: %q is not a valid escrow id", args[0])
	}
	cmd.EscrowID = id
	return cmd, nil
}
