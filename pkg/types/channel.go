// pkg/types/channel.go
package types

// ChannelKind classifies how a protocol message arrived.
type ChannelKind int

const (
	// ChannelLocal means the message was injected by the local process
	// (app request, server-query response, dialog response, child-protocol
	// chaining). Never crosses the network.
	ChannelLocal ChannelKind = iota
	// ChannelObliviousChannel means the message arrived over an established,
	// mutually authenticated device-to-device channel.
	ChannelObliviousChannel
	// ChannelAsymmetricBroadcast means the message arrived over a one-way,
	// non-mutually-authenticated channel. Nothing about the claimed sender
	// is proven at the channel layer.
	ChannelAsymmetricBroadcast
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelLocal:
		return "local"
	case ChannelObliviousChannel:
		return "oblivious"
	case ChannelAsymmetricBroadcast:
		return "asymmetric_broadcast"
	default:
		return "unknown"
	}
}

// ReceptionChannelInfo records the actual arrival channel of a message.
// RemoteIdentity and RemoteDeviceUID are only meaningful for oblivious
// channels, where they are authenticated by the channel layer itself.
type ReceptionChannelInfo struct {
	Kind            ChannelKind
	RemoteIdentity  Identity
	RemoteDeviceUID UID
}

// LocalReception is the reception info for locally injected messages.
func LocalReception() ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ChannelLocal}
}

// ObliviousReception is the reception info for a message that arrived on the
// confirmed channel with the given remote device.
func ObliviousReception(remote Identity, remoteDeviceUID UID) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ChannelObliviousChannel, RemoteIdentity: remote, RemoteDeviceUID: remoteDeviceUID}
}

// BroadcastReception is the reception info for asymmetric broadcast messages.
// The remote identity is the *claimed* sender and must not be trusted without
// an application-level signature check.
func BroadcastReception(claimedRemote Identity) ReceptionChannelInfo {
	return ReceptionChannelInfo{Kind: ChannelAsymmetricBroadcast, RemoteIdentity: claimedRemote}
}

// SendChannelKind selects the set of channels an outbound message is posted to.
type SendChannelKind int

const (
	// SendLocal posts back into the local engine (child protocol start,
	// internal chaining).
	SendLocal SendChannelKind = iota
	// SendAllConfirmedChannels posts to every confirmed oblivious channel
	// with every device of the target identity.
	SendAllConfirmedChannels
	// SendAllOwnedOtherDevices posts to every confirmed channel with the
	// owned identity's other devices.
	SendAllOwnedOtherDevices
	// SendAsymmetricBroadcast posts over the asymmetric broadcast channel
	// to the target identity.
	SendAsymmetricBroadcast
)

// SendChannelInfo selects the destination channels for an outbound message.
type SendChannelInfo struct {
	Kind                 SendChannelKind
	ToIdentity           Identity
	NecessarilyConfirmed bool
}

// LocalSend targets the local engine for the given owned identity.
func LocalSend(owned Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendLocal, ToIdentity: owned}
}

// AllConfirmedChannelsSend targets every confirmed oblivious channel to the
// given identity.
func AllConfirmedChannelsSend(to Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllConfirmedChannels, ToIdentity: to, NecessarilyConfirmed: true}
}

// AllOwnedOtherDevicesSend targets the owned identity's other devices.
func AllOwnedOtherDevicesSend(owned Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAllOwnedOtherDevices, ToIdentity: owned, NecessarilyConfirmed: true}
}

// AsymmetricBroadcastSend targets the asymmetric broadcast channel to the
// given identity.
func AsymmetricBroadcastSend(to Identity) SendChannelInfo {
	return SendChannelInfo{Kind: SendAsymmetricBroadcast, ToIdentity: to}
}
