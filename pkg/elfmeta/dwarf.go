package elfmeta

import "debug/dwarf"

// dwarfSubprograms walks every compile unit's DIE tree for
// TagSubprogram entries, returning a (lowpc, name) symbol for each one
// that has both. Entries with no low_pc (pure declarations, inlined-away
// functions) carry no address and are skipped — they cannot participate
// in a floor lookup.
func dwarfSubprograms(dw *dwarf.Data) []Symbol {
	var out []Symbol

	r := dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		lowpc, ok := lowPC(entry)
		if !ok || name == "" {
			continue
		}
		out = append(out, Symbol{Addr: lowpc, Name: demangleName(name)})
	}

	return out
}

// lowPC extracts AttrLowpc, which the DWARF spec allows to be encoded
// either as an address or (in DWARF4+ with a companion high_pc) still as
// an address — debug/dwarf always normalizes it to uint64 for us.
func lowPC(entry *dwarf.Entry) (uint64, bool) {
	v := entry.Val(dwarf.AttrLowpc)
	if v == nil {
		return 0, false
	}
	addr, ok := v.(uint64)
	return addr, ok
}
