package statefile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultRemoteNodeArchitecture = "none"
	DefaultWallTime               = "24:00:00"
	InvalidString                 = "none"
	InvalidValue                  = -1
)

const (
	PropRemoteNodeArchitecture = "remoteNodeArchitecture"
	PropMinCoresPerNode        = "minCoresPerNode"
	PropMinGigsPerNode         = "minGigsPerNode"
	PropRemoteGroup            = "remoteGroup"
	PropQueueName              = "queueName"
	PropRequestedWallTime      = "requestedWallTime"
	PropRequestedNodeCount     = "requestedNodeCount"
	PropActiveCoresPerNode     = "activeCoresPerNode"
	PropGigsPerSubtask         = "gigsPerSubtask"
	PropExecutableName         = "executableName"
	PropPbsSubmitTimeMillis    = "pbsSubmitTimeMillis"
	PropPfeArrivalTimeMillis   = "pfeArrivalTimeMillis"
)

// Properties is the side table carried in the body of a state file.
type Properties map[string]string

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// WriteTo writes the properties as sorted key = value lines.
func (p Properties) WriteTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var n int64
	for _, k := range keys {
		c, err := fmt.Fprintf(w, "%s = %s\n", k, p[k])
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func ReadProperties(r io.Reader) (Properties, error) {
	p := Properties{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			k, v, _ = strings.Cut(line, ":")
		}
		p[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return p, sc.Err()
}

func (p Properties) str(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p Properties) getInt(key string) int {
	v, ok := p[key]
	if !ok {
		return InvalidValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Warnw("bad integer property", "key", key, "value", v)
		return InvalidValue
	}
	return i
}

func (p Properties) getInt64(key string) int64 {
	v, ok := p[key]
	if !ok {
		return InvalidValue
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warnw("bad integer property", "key", key, "value", v)
		return InvalidValue
	}
	return i
}

func (p Properties) getFloat(key string) float64 {
	v, ok := p[key]
	if !ok {
		return InvalidValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warnw("bad float property", "key", key, "value", v)
		return InvalidValue
	}
	return f
}

func (sf StateFile) set(key, value string) {
	if sf.Props == nil {
		panic("statefile: properties not initialized")
	}
	sf.Props[key] = value
}

func (sf StateFile) RemoteNodeArchitecture() string {
	return sf.Props.str(PropRemoteNodeArchitecture, DefaultRemoteNodeArchitecture)
}

func (sf StateFile) SetRemoteNodeArchitecture(v string) {
	sf.set(PropRemoteNodeArchitecture, v)
}

func (sf StateFile) MinCoresPerNode() int {
	return sf.Props.getInt(PropMinCoresPerNode)
}

func (sf StateFile) SetMinCoresPerNode(v int) {
	sf.set(PropMinCoresPerNode, strconv.Itoa(v))
}

func (sf StateFile) MinGigsPerNode() float64 {
	return sf.Props.getFloat(PropMinGigsPerNode)
}

func (sf StateFile) SetMinGigsPerNode(v float64) {
	sf.set(PropMinGigsPerNode, strconv.FormatFloat(v, 'g', -1, 64))
}

func (sf StateFile) RemoteGroup() string {
	return sf.Props.str(PropRemoteGroup, InvalidString)
}

func (sf StateFile) SetRemoteGroup(v string) {
	sf.set(PropRemoteGroup, v)
}

func (sf StateFile) QueueName() string {
	return sf.Props.str(PropQueueName, InvalidString)
}

func (sf StateFile) SetQueueName(v string) {
	sf.set(PropQueueName, v)
}

// RequestedWallTime is in HH:MM:SS form.
func (sf StateFile) RequestedWallTime() string {
	return sf.Props.str(PropRequestedWallTime, DefaultWallTime)
}

func (sf StateFile) SetRequestedWallTime(v string) {
	sf.set(PropRequestedWallTime, v)
}

func (sf StateFile) RequestedNodeCount() int {
	return sf.Props.getInt(PropRequestedNodeCount)
}

func (sf StateFile) SetRequestedNodeCount(v int) {
	sf.set(PropRequestedNodeCount, strconv.Itoa(v))
}

func (sf StateFile) ActiveCoresPerNode() int {
	return sf.Props.getInt(PropActiveCoresPerNode)
}

func (sf StateFile) SetActiveCoresPerNode(v int) {
	sf.set(PropActiveCoresPerNode, strconv.Itoa(v))
}

func (sf StateFile) GigsPerSubtask() float64 {
	return sf.Props.getFloat(PropGigsPerSubtask)
}

func (sf StateFile) SetGigsPerSubtask(v float64) {
	sf.set(PropGigsPerSubtask, strconv.FormatFloat(v, 'g', -1, 64))
}

func (sf StateFile) ExecutableName() string {
	return sf.Props.str(PropExecutableName, InvalidString)
}

func (sf StateFile) SetExecutableName(v string) {
	sf.set(PropExecutableName, v)
}

func (sf StateFile) PbsSubmitTimeMillis() int64 {
	return sf.Props.getInt64(PropPbsSubmitTimeMillis)
}

func (sf StateFile) SetPbsSubmitTimeMillis(v int64) {
	sf.set(PropPbsSubmitTimeMillis, strconv.FormatInt(v, 10))
}

func (sf StateFile) PfeArrivalTimeMillis() int64 {
	return sf.Props.getInt64(PropPfeArrivalTimeMillis)
}

func (sf StateFile) SetPfeArrivalTimeMillis(v int64) {
	sf.set(PropPfeArrivalTimeMillis, strconv.FormatInt(v, 10))
}

// WallTimeSeconds converts RequestedWallTime to seconds, or -1 when it does
// not parse.
func (sf StateFile) WallTimeSeconds() int64 {
	return ParseWallTime(sf.RequestedWallTime())
}

// ParseWallTime parses [[HH:]MM:]SS into seconds; -1 on failure.
func ParseWallTime(s string) int64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return InvalidValue
	}
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return InvalidValue
		}
		total = total*60 + n
	}
	return total
}
