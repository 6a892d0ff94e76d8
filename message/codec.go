package message

// Sentinel strings that delimit the metadata section within an encoded
// frame sequence. These are content markers, not wire framing — see the
// wire package for how a frame sequence is actually put on a byte stream.
const (
	sentinelMetaStart = "__METADATA_START"
	sentinelMetaEnd   = "__METADATA_END"
)

// Encode flattens a Message into a frame sequence:
//
//	[ "__METADATA_START" ] [ k1 ] [ v1 ] ... [ kN ] [ vN ] [ "__METADATA_END" ] [ u1 ] ... [ uM ]
func Encode(m Message) []string {
	frames := make([]string, 0, 2+2*len(m.Meta)+len(m.Data))
	frames = append(frames, sentinelMetaStart)
	for k, v := range m.Meta {
		frames = append(frames, k, v)
	}
	frames = append(frames, sentinelMetaEnd)
	frames = append(frames, m.Data...)
	return frames
}

// Decode reverses Encode. A frame sequence whose first element is not the
// start sentinel is treated as a legacy producer's raw payload: the whole
// sequence becomes UserData with empty metadata. An empty sequence decodes
// to the empty Message. A start sentinel with no matching end sentinel reads
// every remaining frame as a key/value pair, drops an unpaired trailing key,
// and yields empty UserData (malformed frames never panic).
func Decode(frames []string) Message {
	if len(frames) == 0 {
		return New(nil)
	}
	if frames[0] != sentinelMetaStart {
		return New(nil, frames...)
	}

	meta := MetaData{}
	i := 1
	for i < len(frames) {
		if frames[i] == sentinelMetaEnd {
			i++
			break
		}
		if i+1 >= len(frames) {
			// Malformed: a trailing key with no value. Stop here rather
			// than index out of range; the key is dropped.
			i = len(frames)
			break
		}
		meta[frames[i]] = frames[i+1]
		i += 2
	}

	data := append(UserData{}, frames[i:]...)
	return Message{Meta: meta, Data: data}
}
