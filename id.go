package querydispatch

import "github.com/CDCgov/nhsnlink-sub007/id"

// ID is the primary identifier type for all entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
