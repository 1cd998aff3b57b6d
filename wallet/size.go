package wallet

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// ScriptType tags an input or output script for size estimation
type ScriptType string

const (
	ScriptP2PKH      ScriptType = "P2PKH"
	ScriptP2SH       ScriptType = "P2SH"
	ScriptP2SHP2WPKH ScriptType = "P2SH-P2WPKH"
	ScriptP2WPKH     ScriptType = "P2WPKH"
	ScriptP2WSH      ScriptType = "P2WSH"
	ScriptP2TR       ScriptType = "P2TR"

	// Multisig input families. Use MultisigType to build a full m-of-n tag.
	ScriptMultisigP2SH      ScriptType = "MULTISIG-P2SH"
	ScriptMultisigP2WSH     ScriptType = "MULTISIG-P2WSH"
	ScriptMultisigP2SHP2WSH ScriptType = "MULTISIG-P2SH-P2WSH"
)

const multisigPrefix = "MULTISIG"

// MultisigType returns a tag such as "MULTISIG-P2SH:2-3"
func MultisigType(family ScriptType, m, n int) ScriptType {
	return ScriptType(string(family) + ":" + strconv.Itoa(m) + "-" + strconv.Itoa(n))
}

// ScriptTypeCount maps a script type to how many inputs or outputs use it
type ScriptTypeCount map[ScriptType]int

// Add increments the count for t
func (c ScriptTypeCount) Add(t ScriptType, n int) {
	c[t] += n
}

// SizeTable holds per-type costs in weight units (1 vbyte = 4 WU).
// The values are empirical; callers may tune them.
type SizeTable struct {
	Inputs  map[ScriptType]int64
	Outputs map[ScriptType]int64

	// MultisigSigWeight and MultisigKeyWeight are added per signature (m)
	// and per key (n) of a multisig input
	MultisigSigWeight int64
	MultisigKeyWeight int64
}

// DefaultSizeTable assumes compressed public keys everywhere
var DefaultSizeTable = &SizeTable{
	Inputs: map[ScriptType]int64{
		ScriptMultisigP2SH:      49 * 4,
		ScriptMultisigP2WSH:     6 + 41*4,
		ScriptMultisigP2SHP2WSH: 6 + 76*4,
		ScriptP2PKH:             148 * 4,
		ScriptP2WPKH:            108 + 41*4,
		ScriptP2SHP2WPKH:        108 + 64*4,
		ScriptP2TR:              66 + 41*4,
	},
	Outputs: map[ScriptType]int64{
		ScriptP2SH:       32 * 4,
		ScriptP2SHP2WPKH: 32 * 4,
		ScriptP2PKH:      34 * 4,
		ScriptP2WPKH:     31 * 4,
		ScriptP2WSH:      43 * 4,
		ScriptP2TR:       43 * 4,
	},
	MultisigSigWeight: 73,
	MultisigKeyWeight: 34,
}

const (
	// version + locktime
	txOverheadWeight = 8 * 4

	// segwit marker + flag, witness bytes count once
	witnessFlagWeight = 2
)

// EstimateBytes estimates the virtual size of a transaction using DefaultSizeTable
func EstimateBytes(inputs, outputs ScriptTypeCount) int64 {
	return DefaultSizeTable.EstimateBytes(inputs, outputs)
}

// EstimateBytes estimates the virtual size in bytes of a transaction with the
// given inputs and outputs. Witness data is weighted at a quarter of a
// non-witness byte and the total is rounded up. Unknown types count as zero.
func (t *SizeTable) EstimateBytes(inputs, outputs ScriptTypeCount) int64 {
	var weight, inputCount, outputCount int64
	hasWitness := false

	for scriptType, n := range inputs {
		if n <= 0 {
			continue
		}
		count := int64(n)

		w, ok := t.inputWeight(scriptType)
		if !ok {
			continue
		}
		weight += w * count
		inputCount += count
		if isWitnessType(scriptType) {
			hasWitness = true
		}
	}

	for scriptType, n := range outputs {
		if n <= 0 {
			continue
		}
		w, ok := t.Outputs[scriptType]
		if !ok {
			continue
		}
		weight += w * int64(n)
		outputCount += int64(n)
	}

	if hasWitness {
		weight += witnessFlagWeight
	}
	weight += txOverheadWeight
	weight += int64(wire.VarIntSerializeSize(uint64(inputCount))) * 4
	weight += int64(wire.VarIntSerializeSize(uint64(outputCount))) * 4

	return (weight + 3) / 4
}

// inputWeight resolves the per-input weight, including the m-of-n part of multisig tags
func (t *SizeTable) inputWeight(scriptType ScriptType) (int64, bool) {
	if !strings.HasPrefix(string(scriptType), multisigPrefix) {
		w, ok := t.Inputs[scriptType]
		return w, ok
	}

	family, m, n, ok := parseMultisig(scriptType)
	if !ok {
		return 0, false
	}
	base, ok := t.Inputs[family]
	if !ok {
		return 0, false
	}

	// Legacy P2SH multisig scripts live in the scriptSig and get no discount
	multiplier := int64(1)
	if family == ScriptMultisigP2SH {
		multiplier = 4
	}
	return base + (t.MultisigSigWeight*int64(m)+t.MultisigKeyWeight*int64(n))*multiplier, true
}

// parseMultisig splits "MULTISIG-P2SH:2-3" into its family, m and n
func parseMultisig(scriptType ScriptType) (ScriptType, int, int, bool) {
	family, mn, found := strings.Cut(string(scriptType), ":")
	if !found {
		return "", 0, 0, false
	}
	mStr, nStr, found := strings.Cut(mn, "-")
	if !found {
		return "", 0, 0, false
	}
	m, err := strconv.Atoi(mStr)
	if err != nil || m < 1 {
		return "", 0, 0, false
	}
	n, err := strconv.Atoi(nStr)
	if err != nil || n < m {
		return "", 0, 0, false
	}
	return ScriptType(family), m, n, true
}

// isWitnessType reports whether spending this type carries witness data
func isWitnessType(scriptType ScriptType) bool {
	s := string(scriptType)
	if family, _, found := strings.Cut(s, ":"); found {
		s = family
	}
	return strings.Contains(s, "W") || ScriptType(s) == ScriptP2TR
}
