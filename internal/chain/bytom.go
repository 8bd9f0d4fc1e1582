package chain

// BTMAssetID is the native BTM asset identifier on Bytom and Vapor.
const BTMAssetID = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

func init() {
	// Bytom Mainnet
	Register("BTM", Mainnet, &Params{
		Symbol:   "BTM",
		Name:     "Bytom",
		Family:   FamilyUTXOContract,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256,

		// ~25 minutes at 2.5 min blocks
		SafeExpiryMargin: 10,

		Purpose:  44,
		CoinType: 153,

		ContractHRP: "bm",
		AssetID:     BTMAssetID,
	})

	// Bytom Testnet (wisdom)
	Register("BTM", Testnet, &Params{
		Symbol:   "BTM",
		Name:     "Bytom Wisdom",
		Family:   FamilyUTXOContract,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256,

		SafeExpiryMargin: 10,

		Purpose:  44,
		CoinType: 153,

		ContractHRP: "tm",
		AssetID:     BTMAssetID,
	})

	// Vapor Mainnet (Bytom sidechain, ~0.5s blocks)
	Register("VAPOR", Mainnet, &Params{
		Symbol:   "VAPOR",
		Name:     "Vapor",
		Family:   FamilyUTXOContract,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256,

		SafeExpiryMargin: 100,

		Purpose:  44,
		CoinType: 153,

		ContractHRP: "vp",
		AssetID:     BTMAssetID,
	})

	// Vapor Testnet
	Register("VAPOR", Testnet, &Params{
		Symbol:   "VAPOR",
		Name:     "Vapor Testnet",
		Family:   FamilyUTXOContract,
		Decimals: 8,

		ExpiryKind: ExpiryHeight,
		HashScheme: HashSHA256,

		SafeExpiryMargin: 100,

		Purpose:  44,
		CoinType: 153,

		ContractHRP: "tp",
		AssetID:     BTMAssetID,
	})
}
