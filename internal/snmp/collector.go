package snmp

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"
)

// Printer MIB (RFC 3805) and host resources MIB objects.
const (
	OIDDescription   = "1.3.6.1.2.1.1.1.0"
	OIDSerialNumber  = "1.3.6.1.2.1.43.5.1.1.17.1"
	OIDPageCount     = "1.3.6.1.2.1.43.10.2.1.4.1.1"
	OIDPrinterStatus = "1.3.6.1.2.1.25.3.5.1.1.1"
	OIDDeviceStatus  = "1.3.6.1.2.1.25.3.2.1.5.1"

	OIDSupplies = "1.3.6.1.2.1.43.11.1.1"
	OIDTrays    = "1.3.6.1.2.1.43.8.2.1"
	OIDAlerts   = "1.3.6.1.2.1.43.18.1.1"
)

// Column numbers inside the walked tables. All three roots are ten arcs
// long, so the column is always arc 10 and the row index is the last arc.
const (
	supplyDescription = 6
	supplyMaxCapacity = 8
	supplyLevel       = 9

	trayMaxCapacity = 9
	trayLevel       = 10
	trayDescription = 18

	alertDescription = 8
)

var printerStatusCodes = map[int64]string{
	1: "other",
	2: "unknown",
	3: "idle",
	4: "printing",
	5: "warmup",
}

var deviceStatusCodes = map[int64]string{
	1: "unknown",
	2: "running",
	3: "warning",
	4: "testing",
	5: "down",
}

type Collector struct {
	dialer Dialer
	log    *zap.Logger
}

func NewCollector(d Dialer, log *zap.Logger) *Collector {
	return &Collector{dialer: d, log: log}
}

// Collect reads one printer. Each table is fetched independently; a failing
// table leaves its fields nil. The only error returned is a failed dial.
func (c *Collector) Collect(ctx context.Context, address string) (model.SupplyReading, error) {
	sess, err := c.dialer.Dial(ctx, address)
	if err != nil {
		return model.SupplyReading{}, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.log.Debug("snmp session close failed", zap.String("address", address), zap.Error(err))
		}
	}()

	var rd model.SupplyReading
	steps := []struct {
		name string
		fn   func(Session, *model.SupplyReading) error
	}{
		{"identity", readIdentity},
		{"supplies", readSupplies},
		{"trays", readTrays},
		{"status", readStatus},
		{"alerts", readAlerts},
	}
	for _, s := range steps {
		if err := runStep(s.fn, sess, &rd); err != nil {
			c.log.Debug("snmp step failed", zap.String("address", address), zap.String("step", s.name), zap.Error(err))
		}
	}
	rd.Time = time.Now().UTC()
	return rd, nil
}

// runStep turns a panic from malformed agent data into an error for that step.
func runStep(fn func(Session, *model.SupplyReading) error, sess Session, rd *model.SupplyReading) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(sess, rd)
}

func readIdentity(sess Session, rd *model.SupplyReading) error {
	vals, err := get(sess, OIDDescription, OIDSerialNumber, OIDPageCount)
	if err != nil {
		return err
	}
	if s, ok := pduString(vals[OIDDescription]); ok && s != "" {
		rd.Model = &s
	}
	if s, ok := pduString(vals[OIDSerialNumber]); ok && s != "" {
		rd.SerialNumber = &s
	}
	if n, ok := pduInt(vals[OIDPageCount]); ok {
		rd.PageCount = &n
	}
	return nil
}

type supply struct {
	description string
	max         int64
	level       int64
	hasLevel    bool
}

func readSupplies(sess Session, rd *model.SupplyReading) error {
	pdus, err := sess.BulkWalkAll(OIDSupplies)
	if err != nil {
		return err
	}
	rows := map[int]*supply{}
	for idx, col := range groupTable(pdus) {
		s := &supply{}
		if v, ok := pduString(col[supplyDescription]); ok {
			s.description = v
		}
		if v, ok := pduInt(col[supplyMaxCapacity]); ok {
			s.max = v
		}
		if v, ok := pduInt(col[supplyLevel]); ok {
			s.level, s.hasLevel = v, true
		}
		rows[idx] = s
	}
	for _, idx := range sortedKeys(rows) {
		s := rows[idx]
		if !s.hasLevel {
			continue
		}
		pct := CalculatePercentage(s.level, s.max)
		switch SupplyColor(s.description) {
		case "black":
			rd.TonerBlack = &pct
		case "cyan":
			rd.TonerCyan = &pct
		case "magenta":
			rd.TonerMagenta = &pct
		case "yellow":
			rd.TonerYellow = &pct
		case "waste":
			rd.TonerWaste = &pct
		}
	}
	return nil
}

func readTrays(sess Session, rd *model.SupplyReading) error {
	pdus, err := sess.BulkWalkAll(OIDTrays)
	if err != nil {
		return err
	}
	table := groupTable(pdus)
	var levels []int
	for _, idx := range sortedKeys(table) {
		col := table[idx]
		level, ok := pduInt(col[trayLevel])
		if !ok {
			continue
		}
		capacity, _ := pduInt(col[trayMaxCapacity])
		levels = append(levels, CalculatePercentage(level, capacity))
		if len(levels) == 2 {
			break
		}
	}
	if len(levels) == 0 {
		return nil
	}
	rd.PaperTray1 = &levels[0]
	sum := levels[0]
	if len(levels) > 1 {
		rd.PaperTray2 = &levels[1]
		sum += levels[1]
	}
	avg := jsRound(float64(sum) / float64(len(levels)))
	rd.PaperLevel = &avg
	return nil
}

func readStatus(sess Session, rd *model.SupplyReading) error {
	vals, err := get(sess, OIDPrinterStatus, OIDDeviceStatus)
	if err != nil {
		return err
	}
	printerCode, havePrinter := pduInt(vals[OIDPrinterStatus])
	deviceCode, haveDevice := pduInt(vals[OIDDeviceStatus])
	if !havePrinter && !haveDevice {
		return nil
	}

	state, ok := printerStatusCodes[printerCode]
	if !havePrinter || !ok {
		state, ok = deviceStatusCodes[deviceCode]
		ok = ok && haveDevice
	}
	if !ok {
		state = "unknown"
	}
	rd.ErrorState = &state

	var desc string
	switch deviceCode {
	case 5:
		desc = "Printer is down"
	case 3:
		desc = "Warning condition"
	}
	if desc != "" {
		rd.ErrorDescription = &desc
	}
	return nil
}

func readAlerts(sess Session, rd *model.SupplyReading) error {
	pdus, err := sess.BulkWalkAll(OIDAlerts)
	if err != nil {
		return err
	}
	table := groupTable(pdus)
	var descs []string
	for _, idx := range sortedKeys(table) {
		if s, ok := pduString(table[idx][alertDescription]); ok && s != "" {
			descs = append(descs, s)
		}
	}
	if len(descs) > 0 {
		joined := strings.Join(descs, "; ")
		rd.ErrorDescription = &joined
	}
	return nil
}

// CalculatePercentage converts a Printer MIB level into a percentage.
// Negative levels are MIB sentinels: -1 other (treated as full), -2 unknown
// (treated as empty), -3 "some remaining".
func CalculatePercentage(level, maxCapacity int64) int {
	switch level {
	case -1:
		return 100
	case -2:
		return 0
	case -3:
		return 50
	}
	if maxCapacity <= 0 {
		if level > 0 {
			return 50
		}
		return 0
	}
	return jsRound(float64(level) / float64(maxCapacity) * 100)
}

// jsRound rounds halves toward positive infinity.
func jsRound(v float64) int { return int(math.Floor(v + 0.5)) }

var colorWords = []struct {
	color string
	words []string
}{
	{"black", []string{"black", "schwarz"}},
	{"cyan", []string{"cyan"}},
	{"magenta", []string{"magenta"}},
	{"yellow", []string{"yellow", "gelb"}},
	{"waste", []string{"waste", "rest"}},
	{"drum", []string{"drum", "trommel"}},
	{"fuser", []string{"fuser", "fixier"}},
}

// Vendor part numbers such as TK-5270K carry the colorant as a final letter.
var colorSuffix = []struct {
	color string
	re    *regexp.Regexp
}{
	{"black", regexp.MustCompile(`(?i)[^A-Z]K$`)},
	{"cyan", regexp.MustCompile(`(?i)[^A-Z]C$`)},
	{"magenta", regexp.MustCompile(`(?i)[^A-Z]M$`)},
	{"yellow", regexp.MustCompile(`(?i)[^A-Z]Y$`)},
}

// SupplyColor classifies a marker supply description.
func SupplyColor(description string) string {
	lower := strings.ToLower(description)
	for _, cw := range colorWords {
		for _, w := range cw.words {
			if strings.Contains(lower, w) {
				return cw.color
			}
		}
	}
	upper := strings.ToUpper(strings.TrimSpace(description))
	for _, cs := range colorSuffix {
		if cs.re.MatchString(upper) {
			return cs.color
		}
	}
	return "unknown"
}

func get(sess Session, oids ...string) (map[string]gosnmp.SnmpPDU, error) {
	pkt, err := sess.Get(oids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]gosnmp.SnmpPDU, len(pkt.Variables))
	for _, v := range pkt.Variables {
		out[strings.TrimPrefix(v.Name, ".")] = v
	}
	return out, nil
}

// groupTable maps row index -> column -> value.
func groupTable(pdus []gosnmp.SnmpPDU) map[int]map[int]gosnmp.SnmpPDU {
	out := map[int]map[int]gosnmp.SnmpPDU{}
	for _, p := range pdus {
		parts := strings.Split(strings.TrimPrefix(p.Name, "."), ".")
		if len(parts) < 12 {
			continue
		}
		col, err := strconv.Atoi(parts[10])
		if err != nil {
			continue
		}
		idx, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		if out[idx] == nil {
			out[idx] = map[int]gosnmp.SnmpPDU{}
		}
		out[idx][col] = p
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func missing(p gosnmp.SnmpPDU) bool {
	switch p.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null, gosnmp.UnknownType:
		return true
	}
	return p.Value == nil
}

func pduString(p gosnmp.SnmpPDU) (string, bool) {
	if missing(p) {
		return "", false
	}
	switch v := p.Value.(type) {
	case []byte:
		return strings.TrimSpace(strings.TrimRight(string(v), "\x00")), true
	case string:
		return strings.TrimSpace(v), true
	default:
		return fmt.Sprint(v), true
	}
}

func pduInt(p gosnmp.SnmpPDU) (int64, bool) {
	if missing(p) {
		return 0, false
	}
	switch p.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.TimeTicks:
		return gosnmp.ToBigInt(p.Value).Int64(), true
	}
	return 0, false
}
