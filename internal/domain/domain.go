package domain

const (
	StatusInProgress = "inProgress"
	StatusCompleted  = "completed"
)

// Partner roles.
var Roles = []string{"producer", "logistics", "warehouse", "grader", "roaster", "packager", "distributor"}

// ValidRole reports whether role is one of Roles.
func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Batch struct {
	Address          string `json:"address"`
	OnchainID        string `json:"onchain_id"`
	BrandOwnerKey    string `json:"brand_owner_key"`
	ProducerName     string `json:"producer_name"`
	DataHash         string `json:"data_hash"`
	CurrentHolderKey string `json:"current_holder_key"`
	Status           string `json:"status" enum:"inProgress,completed"`
	NextStageIndex   int    `json:"next_stage_index"`
	// HolderSlot is the ledger slot that produced CurrentHolderKey.
	HolderSlot        uint64 `json:"-"`
	CreationSignature string `json:"creation_signature,omitempty"`
	OnchainCreatedAt  string `json:"onchain_created_at,omitempty" format:"date-time"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type Partner struct {
	ID            string `json:"id"`
	PublicKey     string `json:"public_key"`
	Name          string `json:"name"`
	Role          string `json:"role" enum:"producer,logistics,warehouse,grader,roaster,packager,distributor"`
	ContactEmail  string `json:"contact_email,omitempty"`
	BrandOwnerKey string `json:"brand_owner_key"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Stage struct {
	Address       string `json:"address"`
	Index         int    `json:"index"`
	StageName     string `json:"stage_name"`
	StageDataHash string `json:"stage_data_hash"`
	Actor         string `json:"actor"`
	Timestamp     string `json:"timestamp" format:"date-time"`
}

type BatchDetails struct {
	Batch        Batch     `json:"details"`
	Participants []Partner `json:"participants"`
	Stages       []Stage   `json:"stages"`
}

type Event struct {
	ID           string `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	BatchAddress string `json:"batch_address"`
	ActorKey     string `json:"actor_key,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PayloadJSON  string `json:"payload_json"`
}

type APIKey struct {
	ID           string `json:"id"`
	PrincipalKey string `json:"principal_key"`
	Name         string `json:"name,omitempty"`
	KeyHash      string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
