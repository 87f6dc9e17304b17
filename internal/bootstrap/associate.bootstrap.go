package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/service/association"
	"github.com/krobus00/basket-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errAssociationStoreRequired = errors.New("associate requires database.basket to be configured")

func StartAssociate(cmd *cobra.Command, args []string) {
	kindFlag, _ := cmd.Flags().GetString("kind")
	key, _ := cmd.Flags().GetString("key")
	adapterIDFlag, _ := cmd.Flags().GetString("adapter-id")
	remove, _ := cmd.Flags().GetBool("delete")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kind, err := parseAssociationKind(kindFlag)
	util.ContinueOrFatal(err)

	stores := initAssociationStores(ctx)
	defer func() {
		for name, closer := range stores.closers {
			if err := closer(); err != nil {
				logrus.Errorf("%s: close failed: %v", name, err)
			}
		}
	}()

	var store association.Store
	switch kind {
	case entity.AssociationKindSecurity:
		store = stores.securityRepo()
	case entity.AssociationKindPortfolio:
		store = stores.portfolioRepo()
	}
	if store == nil {
		util.ContinueOrFatal(errAssociationStoreRequired)
	}

	provider := association.NewProvider(kind, store, stores.cache)
	logger := logrus.WithFields(logrus.Fields{
		"kind": kind,
		"key":  key,
	})

	if remove {
		removed, err := provider.Dissociate(ctx, key)
		util.ContinueOrFatal(err)
		logger.WithField("removed", removed).Info("association deleted")
		return
	}

	adapterID, err := uuid.Parse(strings.TrimSpace(adapterIDFlag))
	util.ContinueOrFatal(err)

	saved, err := provider.Associate(ctx, key, adapterID)
	util.ContinueOrFatal(err)
	logger.WithField("adapter_id", saved.AdapterID).Info("association saved")
}

func parseAssociationKind(raw string) (entity.AssociationKind, error) {
	switch entity.AssociationKind(strings.ToLower(strings.TrimSpace(raw))) {
	case entity.AssociationKindSecurity:
		return entity.AssociationKindSecurity, nil
	case entity.AssociationKindPortfolio:
		return entity.AssociationKindPortfolio, nil
	default:
		return "", fmt.Errorf("unknown association kind %q, expected security or portfolio", raw)
	}
}
