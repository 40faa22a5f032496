package cache

import "fmt"

const (
	walletPrefix      = "wallet"
	transactionPrefix = "transaction"
	orderPrefix       = "order"
	orderListKey      = "order:all:list"
)

func namespaceKey(namespace, id, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, id, suffix)
}

// WalletKey returns "wallet:{userID}:info".
func WalletKey(userID string) string {
	return namespaceKey(walletPrefix, userID, "info")
}

// TransactionsKey returns "transaction:{userID}:info".
func TransactionsKey(userID string) string {
	return namespaceKey(transactionPrefix, userID, "info")
}

// UserOrdersKey returns "order:{userID}:info", the per-owner order list.
func UserOrdersKey(userID string) string {
	return namespaceKey(orderPrefix, userID, "info")
}

// OrderDetailKey returns "order:{orderID}:withStats".
func OrderDetailKey(orderID string) string {
	return namespaceKey(orderPrefix, orderID, "withStats")
}

// OrderListKey is the aggregate order list.
func OrderListKey() string {
	return orderListKey
}
