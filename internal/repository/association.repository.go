package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/basket-gateway/internal/entity"
)

// AssociationRepository stores key → adapter rows of a single kind.
type AssociationRepository struct {
	db   *sqlx.DB
	kind entity.AssociationKind
}

func NewAssociationRepository(db *sqlx.DB, kind entity.AssociationKind) *AssociationRepository {
	return &AssociationRepository{db: db, kind: kind}
}

func NewSecurityAssociationRepository(db *sqlx.DB) *AssociationRepository {
	return NewAssociationRepository(db, entity.AssociationKindSecurity)
}

func NewPortfolioAssociationRepository(db *sqlx.DB) *AssociationRepository {
	return NewAssociationRepository(db, entity.AssociationKindPortfolio)
}

func (r *AssociationRepository) Kind() entity.AssociationKind {
	return r.kind
}

func (r *AssociationRepository) GetAll(ctx context.Context) ([]entity.Association, error) {
	query, args, err := selectAssociationsQuery(r.kind, "")
	if err != nil {
		return nil, err
	}

	var associations []entity.Association
	err = r.db.SelectContext(ctx, &associations, query, args...)
	if err != nil {
		return nil, err
	}

	return associations, nil
}

func (r *AssociationRepository) GetByKey(ctx context.Context, key string) (*entity.Association, error) {
	query, args, err := selectAssociationsQuery(r.kind, key)
	if err != nil {
		return nil, err
	}

	var association entity.Association
	err = r.db.GetContext(ctx, &association, query, args...)
	if err != nil {
		return nil, err
	}

	return &association, nil
}

func (r *AssociationRepository) Upsert(ctx context.Context, association *entity.Association) error {
	now := time.Now().UTC()
	association.Kind = r.kind
	if association.CreatedAt.IsZero() {
		association.CreatedAt = now
	}
	association.UpdatedAt = now

	query, args, err := upsertAssociationQuery(association)
	if err != nil {
		return err
	}

	return r.db.QueryRowContext(ctx, query, args...).Scan(&association.CreatedAt)
}

// Delete reports whether a row was removed.
func (r *AssociationRepository) Delete(ctx context.Context, key string) (bool, error) {
	query, args, err := deleteAssociationQuery(r.kind, key)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func selectAssociationsQuery(kind entity.AssociationKind, key string) (string, []any, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("kind", "key", "adapter_id", "created_at", "updated_at").
		From(entity.Association{}.TableName()).
		Where(sq.Eq{"kind": kind})

	if key != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"key": key})
	} else {
		queryBuilder = queryBuilder.OrderBy("key asc")
	}

	return queryBuilder.ToSql()
}

func upsertAssociationQuery(association *entity.Association) (string, []any, error) {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(association.TableName()).
		Columns("kind", "key", "adapter_id", "created_at", "updated_at").
		Values(
			association.Kind,
			association.Key,
			association.AdapterID,
			association.CreatedAt,
			association.UpdatedAt,
		).
		Suffix("ON CONFLICT (kind, key) DO UPDATE SET adapter_id = EXCLUDED.adapter_id, updated_at = EXCLUDED.updated_at RETURNING created_at").
		ToSql()
}

func deleteAssociationQuery(kind entity.AssociationKind, key string) (string, []any, error) {
	return sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete(entity.Association{}.TableName()).
		Where(sq.Eq{"kind": kind, "key": key}).
		ToSql()
}
