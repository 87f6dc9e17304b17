package entity

import "time"

type AssociationKind string

const (
	AssociationKindSecurity  AssociationKind = "security"
	AssociationKindPortfolio AssociationKind = "portfolio"
)

type Association struct {
	Kind      AssociationKind `db:"kind" json:"kind"`
	Key       string          `db:"key" json:"key"`
	AdapterID AdapterID       `db:"adapter_id" json:"adapter_id"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func (a Association) TableName() string {
	return "adapter_associations"
}
