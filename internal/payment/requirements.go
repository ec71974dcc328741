package payment

import "strconv"

// Requirement mirrors the x402 PaymentRequirements schema for a single
// accepted network.
type Requirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	Amount            string            `json:"amount"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             RequirementExtra  `json:"extra"`
}

// RequirementExtra carries EIP-712 domain metadata the facilitator needs to
// verify an EVM client's signature without querying the chain. Unused on
// the Solana leg.
type RequirementExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Resource identifies the thing being paid for in the x402 descriptor.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Descriptor is the full 402 response body (x402 v2), base64-encoded into
// the Payment-Required header and also returned as the JSON response body.
type Descriptor struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error"`
	Resource    Resource      `json:"resource"`
	Accepts     []Requirement `json:"accepts"`
	Reason      string        `json:"reason,omitempty"`
}

// NetworkConfig carries the chain-specific addresses a Gate advertises.
type NetworkConfig struct {
	EVMNetwork    string // CAIP-2, e.g. "eip155:84532"
	PayToEVM      string
	USDCAddress   string
	USDCDomain    string
	USDCVersion   string
	SolanaNetwork string // CAIP-2, e.g. "solana:devnet"
	PayToSolana   string
	USDCMintSPL   string
}

// buildAccepts returns one Requirement per configured network for a charge
// of amount atomic units. Networks with an empty PayTo address are omitted —
// a deployment may enable only EVM, only Solana, or both.
func (n NetworkConfig) buildAccepts(amount int64, payTimeout int) []Requirement {
	var out []Requirement
	if n.PayToEVM != "" {
		out = append(out, Requirement{
			Scheme:            "exact",
			Network:           n.EVMNetwork,
			Amount:            strconv.FormatInt(amount, 10),
			Asset:             n.USDCAddress,
			PayTo:             n.PayToEVM,
			MaxTimeoutSeconds: payTimeout,
			Extra:             RequirementExtra{Name: n.USDCDomain, Version: n.USDCVersion},
		})
	}
	if n.PayToSolana != "" {
		out = append(out, Requirement{
			Scheme:            "exact",
			Network:           n.SolanaNetwork,
			Amount:            strconv.FormatInt(amount, 10),
			Asset:             n.USDCMintSPL,
			PayTo:             n.PayToSolana,
			MaxTimeoutSeconds: payTimeout,
		})
	}
	return out
}
