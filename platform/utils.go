package platform

import (
	"github.com/Meander-Cloud/go-lanemu/registry"
)

// RegisterUtils adds Utils009 and Utils010.
func RegisterUtils(r *registry.Registry, options *Options) {
	methods := registry.Methods{
		"GetAppID": func(args ...any) any {
			return options.Config.AppID
		},
		"GetServerRealTime": func(args ...any) any {
			return uint32(options.Clock.Now().Unix())
		},
		"GetPendingCallbackCount": func(args ...any) any {
			return options.Dispatcher.Pending()
		},
	}

	r.Register(registry.CategoryUtils, "Utils009", methods)
	r.Register(registry.CategoryUtils, "Utils010", methods)
}
