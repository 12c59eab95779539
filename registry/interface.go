package registry

import (
	"log"
)

type Category uint16

const (
	CategoryInvalid            Category = 0
	CategoryUser               Category = 1
	CategoryGameServer         Category = 2
	CategoryMatchmaking        Category = 3
	CategoryMatchmakingServers Category = 4
	CategoryNetworking         Category = 5
	CategoryUtils              Category = 6
	CategoryFriends            Category = 7
)

func (c Category) String() string {
	switch c {
	case CategoryInvalid:
		return "Invalid Category"
	case CategoryUser:
		return "User"
	case CategoryGameServer:
		return "Game Server"
	case CategoryMatchmaking:
		return "Matchmaking"
	case CategoryMatchmakingServers:
		return "Matchmaking Servers"
	case CategoryNetworking:
		return "Networking"
	case CategoryUtils:
		return "Utils"
	case CategoryFriends:
		return "Friends"
	default:
		return "Unknown Category"
	}
}

// Method is one slot of an interface table.
type Method func(args ...any) any

// Methods is the slot table of one interface version.
type Methods map[string]Method

// Interface is one registered version of a category. The dummy variant
// answers every slot with the same logging stub.
type Interface struct {
	Category Category
	Name     string

	methods   Methods
	dummy     bool
	logPrefix string
}

func newInterface(category Category, name string, methods Methods, logPrefix string) *Interface {
	if methods == nil {
		methods = Methods{}
	}
	return &Interface{
		Category:  category,
		Name:      name,
		methods:   methods,
		dummy:     false,
		logPrefix: logPrefix,
	}
}

func newDummy(logPrefix string) *Interface {
	return &Interface{
		Category:  CategoryInvalid,
		Name:      "Dummy",
		methods:   Methods{},
		dummy:     true,
		logPrefix: logPrefix,
	}
}

func (i *Interface) IsDummy() bool {
	return i.dummy
}

func (i *Interface) Has(slot string) bool {
	_, found := i.methods[slot]
	return found
}

// Method never returns nil, unknown slots resolve to the unimplemented stub.
func (i *Interface) Method(slot string) Method {
	method, found := i.methods[slot]
	if found && method != nil {
		return method
	}
	return i.unimplemented(slot)
}

func (i *Interface) Call(slot string, args ...any) any {
	return i.Method(slot)(args...)
}

func (i *Interface) unimplemented(slot string) Method {
	return func(args ...any) any {
		log.Printf(
			"%s: unimplemented slot %s.%s called with %d args",
			i.logPrefix,
			i.Name,
			slot,
			len(args),
		)
		debugAssert(i.logPrefix, i.Name, slot)
		return nil
	}
}
