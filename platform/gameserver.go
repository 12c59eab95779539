package platform

import (
	"encoding/json"
	"log"

	"github.com/Meander-Cloud/go-lanemu/discovery"
	"github.com/Meander-Cloud/go-lanemu/registry"
)

type gameServer struct {
	options *Options
	name    string
}

func (s *gameServer) logOn(token string) bool {
	d := s.options.Discovery

	sessionID := d.Createsession()
	err := d.SetGameData(GameDataPeerLinkPort, s.options.Config.GetPeerLinkPort())
	if err != nil {
		return false
	}

	err = d.Announce()
	if err != nil {
		return false
	}

	log.Printf("%s: %s: logged on, session=%s, token=%t", s.options.Config.LogPrefix, s.name, sessionID, token != "")
	return true
}

func (s *gameServer) logOff() {
	s.options.Discovery.Terminatesession()
	log.Printf("%s: %s: logged off", s.options.Config.LogPrefix, s.name)
}

func (s *gameServer) setKeyValue(key string, value string) bool {
	if key == "" {
		log.Printf("%s: %s: empty key", s.options.Config.LogPrefix, s.name)
		return false
	}
	return s.options.Discovery.SetGameData(key, value) == nil
}

func (s *gameServer) sendUpdatedServerDetails() bool {
	d := s.options.Discovery

	buf, err := json.Marshal(d.GameData())
	if err != nil {
		log.Printf("%s: %s: failed to marshal game data, err=%s", s.options.Config.LogPrefix, s.name, err.Error())
		return false
	}

	return d.Broadcast(discovery.EventServerupdate, string(buf)) == nil
}

func (s *gameServer) sessionID() string {
	sessionID, ok := s.options.Discovery.Session()
	if !ok {
		return ""
	}
	return sessionID.String()
}

// RegisterGameServer adds GameServer012 and GameServer013. 013 takes a logon
// token, 012 logs on anonymously.
func RegisterGameServer(r *registry.Registry, options *Options) {
	logPrefix := options.Config.LogPrefix

	for _, name := range []string{"GameServer012", "GameServer013"} {
		s := &gameServer{
			options: options,
			name:    name,
		}
		withToken := name == "GameServer013"

		r.Register(
			registry.CategoryGameServer,
			name,
			registry.Methods{
				"LogOn": func(args ...any) any {
					token := ""
					if withToken {
						token = argString(logPrefix, "LogOn", args, 0)
					}
					return s.logOn(token)
				},
				"LogOff": func(args ...any) any {
					s.logOff()
					return nil
				},
				"SetKeyValue": func(args ...any) any {
					return s.setKeyValue(
						argString(logPrefix, "SetKeyValue", args, 0),
						argString(logPrefix, "SetKeyValue", args, 1),
					)
				},
				"SendUpdatedServerDetails": func(args ...any) any {
					return s.sendUpdatedServerDetails()
				},
				"SessionID": func(args ...any) any {
					return s.sessionID()
				},
			},
		)
	}
}
