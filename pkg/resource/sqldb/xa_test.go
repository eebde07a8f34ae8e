package sqldb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/txpool/pkg/resource"
)

func TestXAIdentifier(t *testing.T) {
	assert.Equal(t, "X'6731',X'6231',1", xaID(resource.Xid{FormatID: 1, GlobalID: "g1", BranchID: "b1"}))
	assert.Equal(t, "X'6731','',7", xaID(resource.Xid{FormatID: 7, GlobalID: "g1"}))
}
