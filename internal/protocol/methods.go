package protocol

import "strings"

// Method identifies a well-known Liqi method by its short name.
type Method int

const (
	MethodUnknown Method = iota
	MethodOAuth2Login
	MethodActionPrototype
	MethodAuthGame
	MethodHeartBeat
	MethodFetchActivity
	MethodLogin
	MethodLoginSuccess
	MethodLoginFailure
	MethodLobbyFetchMatchingRoom
	MethodLobbyCreateRoom
	MethodLobbyJoinRoom
	MethodLobbyLeaveRoom
	MethodGameStart
	MethodGameEnd
	MethodGameAction
	MethodSyncGame
	MethodSyncOther
	MethodGameResume
	MethodGameReconnect
	MethodAccountInfo
	MethodGameFinish
	MethodRoundEnd
)

// methodNames maps short method names as they appear on the wire.
// "heatBeat" is the server's own spelling.
var methodNames = map[string]Method{
	"oauth2Login":            MethodOAuth2Login,
	"ActionPrototype":        MethodActionPrototype,
	"authGame":               MethodAuthGame,
	"heatBeat":               MethodHeartBeat,
	"fetchActivity":          MethodFetchActivity,
	"login":                  MethodLogin,
	"loginSuccess":           MethodLoginSuccess,
	"loginFailure":           MethodLoginFailure,
	"lobbyFetchMatchingRoom": MethodLobbyFetchMatchingRoom,
	"lobbyCreateRoom":        MethodLobbyCreateRoom,
	"lobbyJoinRoom":          MethodLobbyJoinRoom,
	"lobbyLeaveRoom":         MethodLobbyLeaveRoom,
	"gameStart":              MethodGameStart,
	"gameEnd":                MethodGameEnd,
	"gameAction":             MethodGameAction,
	"syncGame":               MethodSyncGame,
	"syncOther":              MethodSyncOther,
	"gameResume":             MethodGameResume,
	"gameReconnect":          MethodGameReconnect,
	"accountInfo":            MethodAccountInfo,
	"gameFinish":             MethodGameFinish,
	"roundEnd":               MethodRoundEnd,
}

var methodStrings = func() map[Method]string {
	m := make(map[Method]string, len(methodNames))
	for name, method := range methodNames {
		m[method] = name
	}
	return m
}()

// String returns the wire short name, or "unknown".
func (m Method) String() string {
	if s, ok := methodStrings[m]; ok {
		return s
	}
	return "unknown"
}

// ShortName returns the last dotted segment of a method,
// e.g. ".lq.Lobby.oauth2Login" -> "oauth2Login".
func ShortName(method string) string {
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return method[i+1:]
	}
	return method
}

// LookupMethod classifies a full or short method name.
func LookupMethod(method string) Method {
	if m, ok := methodNames[ShortName(method)]; ok {
		return m
	}
	return MethodUnknown
}
