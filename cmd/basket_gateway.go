/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/basket-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// basketGatewayCmd represents the basketGateway command
var basketGatewayCmd = &cobra.Command{
	Use:   "basket-gateway",
	Short: "Basket market data and trading gateway",
	Long: `Basket Gateway presents several inner adapters as a single adapter.

This service:
- Fans client subscriptions out to every adapter able to serve them
- Folds the per-adapter answers back into one response per request
- Routes orders to the adapter owning the security or portfolio
- Serves client sessions over websocket and the basket JetStream stream`,
	Run: bootstrap.StartBasketGateway,
}

func init() {
	rootCmd.AddCommand(basketGatewayCmd)
}
