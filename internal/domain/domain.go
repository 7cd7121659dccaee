package domain

import "github.com/shopspring/decimal"

// Amounts carry at most MaxAmountScale fractional digits and MaxAmountDigits
// digits in total.
const (
	MaxAmountScale  = 18
	MaxAmountDigits = 38
)

// AmountInRange reports whether d fits the amount precision. It inspects the
// coefficient and exponent only, so huge exponents are rejected without
// expanding them.
func AmountInRange(d decimal.Decimal) bool {
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale {
		return false
	}
	c := d.Coefficient()
	// 10^38 needs 127 bits; skip formatting oversized coefficients.
	if c.BitLen() > 127 {
		return false
	}
	digits := int64(len(c.Abs(c).String()))
	if exp > 0 {
		digits += exp
	}
	return digits <= MaxAmountDigits
}

const (
	TaskCreated    = "created"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

const (
	MilestonePending   = "pending"
	MilestoneCompleted = "completed"
	MilestoneRejected  = "rejected"
)

const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

const (
	HoldingLocked   = "locked"
	HoldingReleased = "released"
	HoldingRefunded = "refunded"
)

// Ledger entry types.
const (
	EntryDeposit               = "deposit"
	EntryEscrowLock            = "escrow_lock"
	EntryEscrowRelease         = "escrow_release"
	EntryRefund                = "refund"
	EntryInsurancePremium      = "insurance_premium"
	EntryInsuranceContribution = "insurance_contribution"
	EntryInsurancePayout       = "insurance_payout"
)

type Task struct {
	ID           int64           `json:"id"`
	Creator      string          `json:"creator"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Reward       decimal.Decimal `json:"reward"`
	Token        string          `json:"token"`
	Deadline     string          `json:"deadline" format:"date-time"`
	HasInsurance bool            `json:"has_insurance"`
	Category     string          `json:"category,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	MetadataHash string          `json:"metadata_hash,omitempty"`
	Status       string          `json:"status" enum:"created,in_progress,completed,cancelled"`
	Assignee     *string         `json:"assignee,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
	CompletedAt  *string         `json:"completed_at,omitempty" format:"date-time"`
}

// IsAssigned reports whether an assignee has been set.
func (t Task) IsAssigned() bool {
	return t.Assignee != nil && *t.Assignee != ""
}

// IsAssignee reports whether actor is the task's assignee.
func (t Task) IsAssignee(actor string) bool {
	return t.IsAssigned() && *t.Assignee == actor
}

type Application struct {
	TaskID    int64  `json:"task_id"`
	Applicant string `json:"applicant"`
	Proposal  string `json:"proposal"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Milestone struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Reward      decimal.Decimal `json:"reward"`
	Status      string          `json:"status" enum:"pending,completed,rejected"`
	ProofHash   string          `json:"proof_hash,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type Dispute struct {
	ID            int64           `json:"id"`
	TaskID        int64           `json:"task_id"`
	Initiator     string          `json:"initiator"`
	Reason        string          `json:"reason"`
	Status        string          `json:"status" enum:"open,resolved"`
	Resolution    string          `json:"resolution,omitempty"`
	FavorsCreator bool            `json:"favors_creator"`
	ResolvedBy    *string         `json:"resolved_by,omitempty"`
	Compensation  decimal.Decimal `json:"compensation"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	ResolvedAt    *string         `json:"resolved_at,omitempty" format:"date-time"`
}

// Earning is the amount paid to an identity in a single token.
type Earning struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

type UserStats struct {
	Identity       string    `json:"identity"`
	TasksCompleted int64     `json:"tasks_completed"`
	TotalEarnings  []Earning `json:"total_earnings"`
}

// EarningsIn returns the total paid in token, zero when nothing was paid.
func (s UserStats) EarningsIn(token string) decimal.Decimal {
	for _, e := range s.TotalEarnings {
		if e.Token == token {
			return e.Amount
		}
	}
	return decimal.Zero
}

// Holding is the escrowed reward of a single task.
type Holding struct {
	TaskID    int64           `json:"task_id"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Depositor string          `json:"depositor"`
	State     string          `json:"state" enum:"locked,released,refunded"`
	SettledTo *string         `json:"settled_to,omitempty"`
	SettledAt *string         `json:"settled_at,omitempty" format:"date-time"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type LedgerEntry struct {
	ID           string          `json:"id"`
	Account      string          `json:"account"`
	Token        string          `json:"token"`
	TaskID       *int64          `json:"task_id,omitempty"`
	EntryType    string          `json:"entry_type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	Name      string  `json:"name,omitempty"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}

type Arbiter struct {
	Identity  string `json:"identity"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
