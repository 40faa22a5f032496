package boost

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

const orderIDPrefix = "order_"

// IDProvider issues unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type snowflakeOrderIDs struct {
	node *snowflake.Node
}

// NewSnowflakeOrderIDs issues time ordered "order_<snowflake>" identifiers.
// Every running instance needs a distinct node number.
func NewSnowflakeOrderIDs(node int64) (IDProvider, error) {
	generator, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &snowflakeOrderIDs{node: generator}, nil
}

func (p *snowflakeOrderIDs) NewID() (string, error) {
	return orderIDPrefix + p.node.Generate().String(), nil
}
