package escrow

// State is the escrow lifecycle state as encoded by the contract.
type State uint8

const (
	StateCreated State = iota
	StateFunded
	StateNFTDeposited
	StateActive
	StateCompleted
	StateCancelled
	StateDisputed
)

// AllStates lists every lifecycle state, for exhaustive table tests.
var AllStates = []State{
	StateCreated, StateFunded, StateNFTDeposited, StateActive,
	StateCompleted, StateCancelled, StateDisputed,
}

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateFunded:
		return "FUNDED"
	case StateNFTDeposited:
		return "NFT_DEPOSITED"
	case StateActive:
		return "ACTIVE"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateDisputed:
		return "DISPUTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions exist from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Role is the caller's relationship to an escrow.
type Role int

const (
	RoleObserver Role = iota
	RoleSeller
	RoleBuyer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	default:
		return "observer"
	}
}

// Party reports whether the role is one of the two trade parties.
func (r Role) Party() bool {
	return r == RoleSeller || r == RoleBuyer
}

// Action is a client-initiated escrow transition.
type Action int

const (
	ActionFund Action = iota
	ActionDepositNFT
	ActionComplete
	ActionCancel
	ActionDispute
	ActionCancelExpired
)

// AllActions lists every action, for exhaustive table tests.
var AllActions = []Action{
	ActionFund, ActionDepositNFT, ActionComplete,
	ActionCancel, ActionDispute, ActionCancelExpired,
}

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionFund:
		return "fund"
	case ActionDepositNFT:
		return "deposit_nft"
	case ActionComplete:
		return "complete"
	case ActionCancel:
		return "cancel"
	case ActionDispute:
		return "dispute"
	case ActionCancelExpired:
		return "cancel_expired"
	default:
		return "unknown"
	}
}

// Allowed is the client-side permission predicate: whether role may perform
// action given the current state and expiry flag. It gates the UI only — the
// contract independently re-validates every condition. For DISPUTED escrows
// the expired flag refers to the dispute's own deadline.
func Allowed(action Action, state State, role Role, expired bool) bool {
	switch action {
	case ActionFund:
		return role == RoleBuyer && (state == StateCreated || state == StateNFTDeposited) && !expired
	case ActionDepositNFT:
		return role == RoleSeller && (state == StateCreated || state == StateFunded) && !expired
	case ActionComplete:
		return role.Party() && state == StateActive
	case ActionCancel:
		return role.Party() && state != StateCompleted && state != StateCancelled && state != StateDisputed
	case ActionDispute:
		return role.Party() &&
			(state == StateFunded || state == StateNFTDeposited || state == StateActive) &&
			!expired
	case ActionCancelExpired:
		return role.Party() && expired && !state.IsTerminal()
	default:
		return false
	}
}

// NextAction derives the human-readable instruction for the caller. It is a
// pure, total function: every (state, expired, role) combination yields a
// non-empty string. Terminal states take precedence, then expiry, then
// state-specific guidance per role.
func NextAction(state State, expired bool, role Role) string {
	switch state {
	case StateCompleted:
		return "Trade completed — the NFT and payment have been exchanged."
	case StateCancelled:
		return "Escrow cancelled — any deposits have been returned."
	}

	if expired {
		if state == StateDisputed {
			if role.Party() {
				return "The dispute window has passed — cancel the expired dispute to recover deposits."
			}
			return "The dispute window has passed."
		}
		if role.Party() {
			return "Escrow expired — cancel it to recover any deposits."
		}
		return "Escrow expired."
	}

	switch state {
	case StateCreated:
		switch role {
		case RoleBuyer:
			return "Deposit the payment to fund the escrow."
		case RoleSeller:
			return "Waiting for the buyer to deposit payment."
		}
	case StateFunded:
		switch role {
		case RoleSeller:
			return "Payment received — deposit the NFT to activate the trade."
		case RoleBuyer:
			return "Waiting for the seller to deposit the NFT."
		}
	case StateNFTDeposited:
		switch role {
		case RoleBuyer:
			return "NFT received — deposit the payment to activate the trade."
		case RoleSeller:
			return "Waiting for the buyer to deposit payment."
		}
	case StateActive:
		if role.Party() {
			return "Both deposits are in — confirm completion to settle the trade."
		}
	case StateDisputed:
		if role.Party() {
			return "Dispute raised — awaiting resolution."
		}
	}

	return "No action required."
}
