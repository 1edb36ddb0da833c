package protocol

// Built-in protocol names.
const (
	RouterV1 = "router-v1"
	PrismV1  = "prism-v1"
	LensV1   = "lens-v1"

	// DefaultName is used when no default protocol is configured.
	DefaultName = RouterV1
)

// Builtins returns fresh copies of the protocols that ship with the service.
func Builtins() []Protocol {
	return []Protocol{
		{
			Name: RouterV1,
			Stages: []Stage{
				{
					Layer:              0,
					Name:               "routing",
					WorkRoles:          []RoleCount{{Role: "classifier", Count: 3}},
					ConsensusCount:     1,
					ConsensusThreshold: 0.5,
					Effect:             EffectRouting,
				},
			},
		},
		{
			Name: PrismV1,
			Stages: []Stage{
				{
					Layer:              1,
					Name:               "framing",
					WorkRoles:          []RoleCount{{Role: "framer", Count: 1}, {Role: "skeptic", Count: 1}},
					ConsensusCount:     2,
					ConsensusThreshold: 0.6,
				},
				{
					Layer:              2,
					Name:               "evidence",
					WorkRoles:          []RoleCount{{Role: "researcher", Count: 2}, {Role: "skeptic", Count: 1}},
					ConsensusCount:     3,
					ConsensusThreshold: 0.6,
				},
				{
					Layer:              3,
					Name:               "classification",
					WorkRoles:          []RoleCount{{Role: "classifier", Count: 2}},
					ConsensusCount:     2,
					ConsensusThreshold: 0.6,
					Effect:             EffectClassification,
				},
				{
					Layer:              4,
					Name:               "analysis",
					WorkRoles:          []RoleCount{{Role: "analyst", Count: 2}, {Role: "critic", Count: 1}},
					ConsensusCount:     3,
					ConsensusThreshold: 0.65,
				},
				{
					Layer:              5,
					Name:               "counterargument",
					WorkRoles:          []RoleCount{{Role: "critic", Count: 2}},
					ConsensusCount:     2,
					ConsensusThreshold: 0.65,
				},
				{
					Layer:              6,
					Name:               "synthesis",
					WorkRoles:          []RoleCount{{Role: "synthesizer", Count: 1}, {Role: "editor", Count: 1}},
					ConsensusCount:     3,
					ConsensusThreshold: 0.7,
				},
				{
					Layer:              7,
					Name:               "verdict",
					ConsensusCount:     5,
					ConsensusThreshold: 0.7,
				},
			},
		},
		{
			Name: LensV1,
			Stages: []Stage{
				{
					Layer:              1,
					Name:               "framing",
					WorkRoles:          []RoleCount{{Role: "framer", Count: 1}},
					ConsensusCount:     1,
					ConsensusThreshold: 0.6,
				},
				{
					Layer:              2,
					Name:               "analysis",
					WorkRoles:          []RoleCount{{Role: "analyst", Count: 1}, {Role: "critic", Count: 1}},
					ConsensusCount:     2,
					ConsensusThreshold: 0.6,
					Effect:             EffectClassification,
				},
				{
					Layer:              3,
					Name:               "verdict",
					ConsensusCount:     3,
					ConsensusThreshold: 0.7,
				},
			},
		},
	}
}
