package types

// Sysflag bits, matching the on-disk contract.
const (
	CompressedFlag = 0x1
	MultiTagsFlag  = 0x1 << 1

	TransactionNotType      = 0
	TransactionPreparedType = 0x1 << 2
	TransactionCommitType   = 0x2 << 2
	TransactionRollbackType = 0x3 << 2

	BornHostV6Flag  = 0x1 << 4
	StoreHostV6Flag = 0x1 << 5

	InnerBatchFlag = 0x1 << 7
)

// TransactionValue extracts the transaction phase bits from a sysflag.
func TransactionValue(sysFlag int32) int32 {
	return sysFlag & TransactionRollbackType
}
