package fsm

// Machine states. Classification lives in the registry in state.go.
const (
	StateStart          State = "start"
	StatePollUpdate     State = "pollUpdate"
	StatePendingIdle    State = "pendingIdle"
	StateIdle           State = "idle"
	StateNetworkDown    State = "networkDown"
	StateUnpaired       State = "unpaired"
	StateMaintenance    State = "maintenance"
	StateWifiList       State = "wifiList"
	StateWifiConnecting State = "wifiConnecting"

	StateScanAddress        State = "scanAddress"
	StateAcceptingFirstBill State = "acceptingFirstBill"
	StateBillRead           State = "billRead"
	StateAcceptingBills     State = "acceptingBills"
	StateHighBill           State = "highBill"
	StateSendingCoins       State = "sendingCoins"
	StateCompleted          State = "completed"
	StateGoodbye            State = "goodbye"

	StateJammed       State = "jammed"
	StateStackerOpen  State = "stackerOpen"
	StateAcceptorDown State = "acceptorDown"
)

// Machine transitions. A collaborator event maps to at most one of these.
const (
	TransitionPollReady       = "pollReady"
	TransitionPollWaitDisplay = "pollWaitDisplay"
	TransitionDisplayReady    = "displayReady"
	TransitionPollIdle        = "pollIdle"
	TransitionBalanceLow      = "balanceLow"
	TransitionResumeSession   = "resumeSession"
	TransitionNetworkDown     = "networkDown"
	TransitionNetworkUp       = "networkUp"
	TransitionUnpair          = "unpair"

	TransitionStartTransaction  = "startTransaction"
	TransitionAddressScanned    = "addressScanned"
	TransitionCancel            = "cancel"
	TransitionBillRead          = "billRead"
	TransitionHighBill          = "highBill"
	TransitionBillStacked       = "billStacked"
	TransitionBillReturnedFirst = "billReturnedFirst"
	TransitionBillReturned      = "billReturned"
	TransitionSend              = "send"
	TransitionSendFailed        = "sendFailed"
	TransitionSent              = "sent"
	TransitionFinish            = "finish"
	TransitionGoodbyeDone       = "goodbyeDone"

	TransitionJam               = "jam"
	TransitionStackerOpen       = "stackerOpen"
	TransitionAcceptorDown      = "acceptorDown"
	TransitionAcceptorRecovered = "acceptorRecovered"
	TransitionAcceptorResume    = "acceptorResume"
	TransitionSendResume        = "sendResume"

	TransitionWifiSetup   = "wifiSetup"
	TransitionWifiConnect = "wifiConnect"
	TransitionWifiFailed  = "wifiFailed"
)

// Session statuses tracked by the journal.
const (
	SessionStatusOpen      = "open"
	SessionStatusSending   = "sending"
	SessionStatusSent      = "sent"
	SessionStatusCancelled = "cancelled"
)

const (
	SessionEventSend    = "send"
	SessionEventFail    = "fail"
	SessionEventConfirm = "confirm"
	SessionEventCancel  = "cancel"
)
