// Package notify delivers operator alerts.
//
// APNsSender looks up the operator's push token in a TokenRegistry and sends
// through Apple's HTTP/2 API; MatrixSender posts to a room. Multi combines
// channels. A missing push token surfaces as ErrNoPushToken so callers can
// log and move on.
package notify
